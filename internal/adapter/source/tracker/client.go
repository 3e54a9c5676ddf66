// Package tracker implements the HTTP client for the task tracker API.
//
// Auth is HTTP Basic with the API key as the username. Delta queries use
// the updatedAfterDate parameter with page/pageSize paging; rate limiting
// is honored by sleeping for Retry-After on 429 responses.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

const (
	pageSize       = 100
	requestTimeout = 30 * time.Second
	// updatedAfterLayout is the tracker API's compact timestamp format.
	updatedAfterLayout = "20060102150405"
)

// Person is a user reference as the tracker API returns it.
type Person struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	FullName  string `json:"fullName"`
}

// Tag is a tag reference attached to a task.
type Tag struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Task is one task as returned by the tracker API. Timestamps stay strings
// here; the normalizer owns tolerant parsing.
type Task struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Status       string   `json:"status"`
	Priority     string   `json:"priority"`
	Progress     int      `json:"progress"`
	ProjectID    int64    `json:"projectId"`
	ProjectName  string   `json:"projectName"`
	TasklistID   int64    `json:"tasklistId"`
	TasklistName string   `json:"tasklistName"`
	Tags         []Tag    `json:"tags"`
	Assignees    []Person `json:"assignees"`
	CreatedBy    *Person  `json:"createdBy"`
	UpdatedBy    *Person  `json:"updatedBy"`
	DueDate      string   `json:"dueDate"`
	CreatedAt    string   `json:"createdAt"`
	UpdatedAt    string   `json:"updatedAt"`
	CompletedAt  string   `json:"completedAt"`
	Completed    bool     `json:"completed"`
	Deleted      bool     `json:"deleted"`
	URL          string   `json:"url"`

	// Raw is the undecoded task object, archived alongside the normalized row.
	Raw json.RawMessage `json:"-"`
}

// Webhook is one registered webhook subscription.
type Webhook struct {
	ID     int64  `json:"id"`
	URL    string `json:"url"`
	Event  string `json:"event"`
	Active bool   `json:"active"`
}

// Client talks to the tracker API.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// New constructs a tracker client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      source.HTTPClient("tracker", requestTimeout),
	}
}

// TaskByID fetches one task; domain.ErrNotFound when the task is gone
// upstream (the caller treats that as a delete, never an error).
func (c *Client) TaskByID(ctx context.Context, id string) (Task, error) {
	var envelope struct {
		Task json.RawMessage `json:"task"`
	}
	if err := c.getJSON(ctx, "task.get", "/projects/api/v3/tasks/"+url.PathEscape(id)+".json", nil, &envelope); err != nil {
		return Task{}, err
	}
	if len(envelope.Task) == 0 {
		return Task{}, fmt.Errorf("op=tracker.task_by_id: task %s: %w", id, domain.ErrNotFound)
	}
	var t Task
	if err := json.Unmarshal(envelope.Task, &t); err != nil {
		return Task{}, fmt.Errorf("op=tracker.task_by_id: decode: %w", err)
	}
	t.Raw = envelope.Task
	return t, nil
}

// TasksUpdatedSince pages through every task updated after since, including
// completed and archived ones so deletions reach the pipeline too.
func (c *Client) TasksUpdatedSince(ctx context.Context, since time.Time) ([]Task, error) {
	var all []Task
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("page", strconv.Itoa(page))
		params.Set("pageSize", strconv.Itoa(pageSize))
		params.Set("updatedAfterDate", since.UTC().Format(updatedAfterLayout))
		params.Set("includeCompletedTasks", "true")
		params.Set("includeArchivedProjects", "true")

		var envelope struct {
			Tasks []json.RawMessage `json:"tasks"`
		}
		if err := c.getJSON(ctx, "tasks.list", "/projects/api/v3/tasks.json", params, &envelope); err != nil {
			return nil, err
		}
		for _, raw := range envelope.Tasks {
			var t Task
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, fmt.Errorf("op=tracker.tasks_updated_since: decode: %w", err)
			}
			t.Raw = raw
			all = append(all, t)
		}
		slog.Debug("fetched tracker task page", slog.Int("page", page), slog.Int("count", len(envelope.Tasks)))
		if len(envelope.Tasks) < pageSize {
			return all, nil
		}
	}
}

// ListWebhooks returns the currently registered webhook subscriptions.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var envelope struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	if err := c.getJSON(ctx, "webhooks.list", "/projects/api/v1/webhooks.json", nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Webhooks, nil
}

// CreateWebhook registers a webhook for one event and returns its id.
func (c *Client) CreateWebhook(ctx context.Context, targetURL, event string) (string, error) {
	body := map[string]any{
		"webhook": map[string]any{"url": targetURL, "event": event, "active": true},
	}
	var envelope struct {
		Webhook *Webhook `json:"webhook"`
		ID      int64    `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "webhooks.create", "/projects/api/v1/webhooks.json", nil, body, &envelope); err != nil {
		return "", err
	}
	id := envelope.ID
	if envelope.Webhook != nil && envelope.Webhook.ID != 0 {
		id = envelope.Webhook.ID
	}
	if id == 0 {
		return "", fmt.Errorf("op=tracker.create_webhook: %w: response carried no id", domain.ErrInternal)
	}
	return strconv.FormatInt(id, 10), nil
}

// DeleteWebhook removes a webhook registration. Missing ids are fine.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "webhooks.delete", "/projects/api/v1/webhooks/"+url.PathEscape(id)+".json", nil, nil, nil)
	if err != nil && !source.IsNotFound(err) {
		return err
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, params url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, op, endpoint, params, nil, out)
}

// doJSON performs one API call with the shared retry policy: 429 sleeps for
// Retry-After, 5xx and transport errors retry with exponential backoff,
// other 4xx are permanent.
func (c *Client) doJSON(ctx context.Context, method, op, endpoint string, params url.Values, body, out any) error {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	oper := func() error {
		start := time.Now()
		err := c.once(ctx, method, u, body, out)
		observability.SourceAPIRequestsTotal.WithLabelValues("tracker", op).Inc()
		observability.SourceAPIRequestDuration.WithLabelValues("tracker", op).Observe(time.Since(start).Seconds())
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(oper, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("op=tracker.%s: %w", op, err)
	}
	return nil
}

func (c *Client) once(ctx context.Context, method, u string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err // transport errors are retryable
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if err := source.SleepRetryAfter(ctx, resp.Header.Get("Retry-After")); err != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("%w: tracker 429", domain.ErrUpstreamRateLimit)
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrNotFound, u))
	case resp.StatusCode >= 500:
		return fmt.Errorf("tracker server error: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("tracker request rejected: status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
