// Package mailbox implements the HTTP client for the shared mailbox API.
//
// Auth is Bearer token. Conversation deltas use updated_after with cursor
// paging; individual messages are fetched per conversation. Timestamps may
// arrive as unix seconds or milliseconds, so UnixToTime disambiguates.
package mailbox

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
	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

const (
	pageLimit        = 50
	requestTimeout   = 30 * time.Second
	downloadTimeout  = 60 * time.Second
	msEpochThreshold = 1e10
)

// Contact is an address/name pair on a message.
type Contact struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Label is a shared label attached to a conversation or message.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Attachment is one file attached to a message. ContentType may be empty
// upstream; DownloadAttachment sniffs it from the bytes in that case.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Conversation is a conversation summary from the delta listing.
type Conversation struct {
	ID             string  `json:"id"`
	Subject        string  `json:"subject"`
	LastActivityAt float64 `json:"last_activity_at"`
	Labels         []Label `json:"shared_labels"`

	Raw json.RawMessage `json:"-"`
}

// Message is one email message within a conversation. The API has shipped
// both from_field/to_fields and from/to shapes; decoding accepts either.
type Message struct {
	ID          string       `json:"id"`
	Subject     string       `json:"subject"`
	From        Contact      `json:"-"`
	To          []Contact    `json:"-"`
	CC          []Contact    `json:"-"`
	BCC         []Contact    `json:"-"`
	InReplyTo   []string     `json:"in_reply_to"`
	Body        string       `json:"body"`
	Preview     string       `json:"preview"`
	DeliveredAt float64      `json:"delivered_at"`
	Draft       bool         `json:"draft"`
	Labels      []Label      `json:"labels"`
	Attachments []Attachment `json:"attachments"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON tolerates the two historical field namings for addresses.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		FromField *Contact  `json:"from_field"`
		FromAlt   *Contact  `json:"from"`
		ToFields  []Contact `json:"to_fields"`
		ToAlt     []Contact `json:"to"`
		CCFields  []Contact `json:"cc_fields"`
		CCAlt     []Contact `json:"cc"`
		BCCFields []Contact `json:"bcc_fields"`
		BCCAlt    []Contact `json:"bcc"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch {
	case aux.FromField != nil:
		m.From = *aux.FromField
	case aux.FromAlt != nil:
		m.From = *aux.FromAlt
	}
	m.To = firstNonNil(aux.ToFields, aux.ToAlt)
	m.CC = firstNonNil(aux.CCFields, aux.CCAlt)
	m.BCC = firstNonNil(aux.BCCFields, aux.BCCAlt)
	return nil
}

func firstNonNil(a, b []Contact) []Contact {
	if a != nil {
		return a
	}
	return b
}

// UnixToTime converts an upstream unix timestamp to time.Time. Values above
// 1e10 are milliseconds, everything else seconds. Zero means unset.
func UnixToTime(v float64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	if v > msEpochThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

// Client talks to the mailbox API.
type Client struct {
	baseURL  string
	apiToken string
	hc       *http.Client
	dl       *http.Client
}

// New constructs a mailbox client.
func New(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		hc:       source.HTTPClient("mailbox", requestTimeout),
		dl:       source.HTTPClient("mailbox-download", downloadTimeout),
	}
}

// ConversationsUpdatedSince pages through all conversations whose activity
// is newer than since, following next_cursor until exhausted.
func (c *Client) ConversationsUpdatedSince(ctx context.Context, since time.Time) ([]Conversation, error) {
	var all []Conversation
	cursor := ""
	for {
		params := url.Values{}
		params.Set("updated_after", strconv.FormatInt(since.UTC().Unix(), 10))
		params.Set("limit", strconv.Itoa(pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var envelope struct {
			Conversations []json.RawMessage `json:"conversations"`
			NextCursor    string            `json:"next_cursor"`
		}
		if err := c.getJSON(ctx, "conversations.list", "/v1/conversations", params, &envelope); err != nil {
			return nil, err
		}
		for _, raw := range envelope.Conversations {
			var conv Conversation
			if err := json.Unmarshal(raw, &conv); err != nil {
				return nil, fmt.Errorf("op=mailbox.conversations_updated_since: decode: %w", err)
			}
			conv.Raw = raw
			all = append(all, conv)
		}
		slog.Debug("fetched mailbox conversation page",
			slog.Int("count", len(envelope.Conversations)), slog.Int("total", len(all)))
		if envelope.NextCursor == "" || len(envelope.Conversations) == 0 {
			return all, nil
		}
		cursor = envelope.NextCursor
	}
}

// ConversationMessages returns every message in a conversation, newest
// last. domain.ErrNotFound when the conversation no longer exists upstream.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var envelope struct {
		Messages []json.RawMessage `json:"messages"`
	}
	endpoint := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.getJSON(ctx, "messages.list", endpoint, nil, &envelope); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(envelope.Messages))
	for _, raw := range envelope.Messages {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("op=mailbox.conversation_messages: decode: %w", err)
		}
		m.Raw = raw
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// DownloadAttachment fetches attachment bytes and returns a sniffed content
// type when the caller has none from the API.
func (c *Client) DownloadAttachment(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("op=mailbox.download_attachment: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	resp, err := c.dl.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("op=mailbox.download_attachment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("op=mailbox.download_attachment: %w", domain.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("op=mailbox.download_attachment: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("op=mailbox.download_attachment: read: %w", err)
	}
	return data, mimetype.Detect(data).String(), nil
}

// CreateWebhook registers a webhook for one event type and returns its id.
func (c *Client) CreateWebhook(ctx context.Context, hookType, targetURL string) (string, error) {
	body := map[string]any{
		"hooks": map[string]any{"type": hookType, "url": targetURL},
	}
	var envelope struct {
		Hooks struct {
			ID string `json:"id"`
		} `json:"hooks"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "hooks.create", "/v1/hooks", nil, body, &envelope); err != nil {
		return "", err
	}
	if envelope.Hooks.ID == "" {
		return "", fmt.Errorf("op=mailbox.create_webhook: %w: response carried no id", domain.ErrInternal)
	}
	return envelope.Hooks.ID, nil
}

// DeleteWebhook removes a webhook registration. Missing ids are fine.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "hooks.delete", "/v1/hooks/"+url.PathEscape(id), nil, nil, nil)
	if err != nil && !source.IsNotFound(err) {
		return err
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, params url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, op, endpoint, params, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, op, endpoint string, params url.Values, body, out any) error {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	oper := func() error {
		start := time.Now()
		err := c.once(ctx, method, u, body, out)
		observability.SourceAPIRequestsTotal.WithLabelValues("mailbox", op).Inc()
		observability.SourceAPIRequestDuration.WithLabelValues("mailbox", op).Observe(time.Since(start).Seconds())
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(oper, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("op=mailbox.%s: %w", op, err)
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
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if err := source.SleepRetryAfter(ctx, resp.Header.Get("Retry-After")); err != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("%w: mailbox 429", domain.ErrUpstreamRateLimit)
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrNotFound, u))
	case resp.StatusCode >= 500:
		return fmt.Errorf("mailbox server error: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("mailbox request rejected: status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
