// Package docs implements the HTTP client for the documents space API.
//
// The API exposes no delta endpoint, so callers re-enumerate documents and
// compare lastModifiedAt themselves. Enumeration walks the folder tree with
// a politeness delay between calls to stay under the API's rate budget.
package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

const (
	requestTimeout  = 60 * time.Second
	politenessDelay = 100 * time.Millisecond
)

// Sync modes. MultiDocument lists the space's flat document index;
// FullSpace walks the folder tree and tags each document with its path.
const (
	ModeMultiDocument = "multi_document"
	ModeFullSpace     = "full_space"
)

// Document is one document's metadata.
type Document struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	IsDeleted      bool   `json:"isDeleted"`
	CreatedAt      string `json:"createdAt"`
	LastModifiedAt string `json:"lastModifiedAt"`
	DailyNoteDate  string `json:"dailyNoteDate"`
	Location       string `json:"location"`
	FolderID       string `json:"folderId"`

	// FolderPath is filled in by the full-space walk, never by the API.
	FolderPath string `json:"-"`

	Raw json.RawMessage `json:"-"`
}

// Folder is one node of the space's folder tree.
type Folder struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Folders []Folder `json:"folders"`
}

// Client talks to the documents API for one space.
type Client struct {
	baseURL string
	apiKey  string
	spaceID string
	mode    string
	rootID  string
	hc      *http.Client
}

// New constructs a docs client. mode must be ModeMultiDocument or
// ModeFullSpace; rootID optionally restricts the full-space walk.
func New(baseURL, apiKey, spaceID, mode, rootID string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		spaceID: spaceID,
		mode:    mode,
		rootID:  rootID,
		hc:      source.HTTPClient("docs", requestTimeout),
	}
}

// DocumentList enumerates the space according to the configured sync mode.
func (c *Client) DocumentList(ctx context.Context) ([]Document, error) {
	if c.mode == ModeFullSpace {
		return c.fullSpaceList(ctx)
	}
	return c.Documents(ctx)
}

// Documents returns the space's flat document index with metadata.
func (c *Client) Documents(ctx context.Context) ([]Document, error) {
	params := url.Values{}
	params.Set("fetchMetadata", "true")
	return c.listDocuments(ctx, "documents.list", params)
}

// DocumentByID fetches one document's metadata; domain.ErrNotFound when it
// is gone upstream.
func (c *Client) DocumentByID(ctx context.Context, id string) (Document, error) {
	var raw json.RawMessage
	endpoint := c.spacePath("/documents/" + url.PathEscape(id))
	if err := c.getJSON(ctx, "document.get", endpoint, nil, &raw); err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("op=docs.document_by_id: decode: %w", err)
	}
	doc.Raw = raw
	return doc, nil
}

// DocumentContent exports one document as markdown.
func (c *Client) DocumentContent(ctx context.Context, id string) (string, error) {
	endpoint := c.spacePath("/documents/" + url.PathEscape(id) + "/content")
	var content string
	oper := func() error {
		start := time.Now()
		err := c.fetchMarkdown(ctx, endpoint, &content)
		observability.SourceAPIRequestsTotal.WithLabelValues("docs", "document.content").Inc()
		observability.SourceAPIRequestDuration.WithLabelValues("docs", "document.content").Observe(time.Since(start).Seconds())
		return err
	}
	if err := backoff.Retry(oper, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return "", fmt.Errorf("op=docs.document.content: %w", err)
	}
	return ParseMarkdown(content), nil
}

// Folders returns the space's folder tree.
func (c *Client) Folders(ctx context.Context) ([]Folder, error) {
	var envelope struct {
		Items []Folder `json:"items"`
	}
	if err := c.getJSON(ctx, "folders.list", c.spacePath("/folders"), nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Items, nil
}

// DocumentsByLocation lists documents at a location ("folder", "unsorted",
// "daily_notes"); folderID applies only to the folder location.
func (c *Client) DocumentsByLocation(ctx context.Context, location, folderID string) ([]Document, error) {
	params := url.Values{}
	params.Set("location", location)
	params.Set("fetchMetadata", "true")
	if folderID != "" {
		params.Set("folderId", folderID)
	}
	return c.listDocuments(ctx, "documents.by_location", params)
}

// fullSpaceList walks the folder tree, collecting documents per folder and
// including unsorted and daily-note documents at the root.
func (c *Client) fullSpaceList(ctx context.Context) ([]Document, error) {
	folders, err := c.Folders(ctx)
	if err != nil {
		return nil, err
	}
	if c.rootID != "" {
		folders = subtree(folders, c.rootID)
	}

	var all []Document
	for _, loc := range []string{"unsorted", "daily_notes"} {
		docsAt, err := c.DocumentsByLocation(ctx, loc, "")
		if err != nil {
			return nil, err
		}
		all = append(all, docsAt...)
		if err := sleep(ctx, politenessDelay); err != nil {
			return nil, err
		}
	}

	var walk func(fs []Folder, path string) error
	walk = func(fs []Folder, path string) error {
		for _, f := range fs {
			fullPath := f.Name
			if path != "" {
				fullPath = path + "/" + f.Name
			}
			docsAt, err := c.DocumentsByLocation(ctx, "folder", f.ID)
			if err != nil {
				return err
			}
			for i := range docsAt {
				docsAt[i].FolderPath = fullPath
				docsAt[i].FolderID = f.ID
			}
			all = append(all, docsAt...)
			if err := sleep(ctx, politenessDelay); err != nil {
				return err
			}
			if err := walk(f.Folders, fullPath); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(folders, ""); err != nil {
		return nil, err
	}
	slog.Debug("enumerated document space", slog.Int("documents", len(all)))
	return all, nil
}

// subtree finds the folder with the given id and returns it as the sole
// root; falls back to the full tree when the id is absent.
func subtree(folders []Folder, id string) []Folder {
	for _, f := range folders {
		if f.ID == id {
			return []Folder{f}
		}
		if sub := subtree(f.Folders, id); sub != nil {
			return sub
		}
	}
	return nil
}

func (c *Client) listDocuments(ctx context.Context, op string, params url.Values) ([]Document, error) {
	var envelope struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := c.getJSON(ctx, op, c.spacePath("/documents"), params, &envelope); err != nil {
		return nil, err
	}
	docsOut := make([]Document, 0, len(envelope.Items))
	for _, raw := range envelope.Items {
		var d Document
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("op=docs.%s: decode: %w", op, err)
		}
		d.Raw = raw
		docsOut = append(docsOut, d)
	}
	return docsOut, nil
}

func (c *Client) spacePath(suffix string) string {
	return "/v1/spaces/" + url.PathEscape(c.spaceID) + suffix
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, params url.Values, out any) error {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	oper := func() error {
		start := time.Now()
		err := c.once(ctx, u, out)
		observability.SourceAPIRequestsTotal.WithLabelValues("docs", op).Inc()
		observability.SourceAPIRequestDuration.WithLabelValues("docs", op).Observe(time.Since(start).Seconds())
		return err
	}
	if err := backoff.Retry(oper, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("op=docs.%s: %w", op, err)
	}
	return nil
}

func (c *Client) newBackOff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 2 * time.Minute
	return expo
}

func (c *Client) once(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(ctx, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) fetchMarkdown(ctx context.Context, endpoint string, out *string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/markdown")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(ctx, resp); err != nil {
		return err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	*out = string(data)
	return nil
}

func checkStatus(ctx context.Context, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if err := source.SleepRetryAfter(ctx, resp.Header.Get("Retry-After")); err != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("%w: docs 429", domain.ErrUpstreamRateLimit)
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrNotFound, resp.Request.URL))
	case resp.StatusCode >= 500:
		return fmt.Errorf("docs server error: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("docs request rejected: status %d", resp.StatusCode))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
