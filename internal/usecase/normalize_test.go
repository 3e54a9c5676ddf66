package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/docs"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/mailbox"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/tracker"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

type fakeTrackerClient struct {
	task tracker.Task
	err  error
}

func (f *fakeTrackerClient) TaskByID(context.Context, string) (tracker.Task, error) {
	return f.task, f.err
}

func TestTrackerNormalizer_DeletionEvent(t *testing.T) {
	t.Parallel()
	n := NewTrackerNormalizer(&fakeTrackerClient{err: errors.New("must not be called")})
	res, err := n.Process(context.Background(), "task.deleted", "42")
	require.NoError(t, err)
	assert.True(t, res.Delete)
}

func TestTrackerNormalizer_NotFoundBecomesDelete(t *testing.T) {
	t.Parallel()
	n := NewTrackerNormalizer(&fakeTrackerClient{err: domain.ErrNotFound})
	res, err := n.Process(context.Background(), "task.updated", "42")
	require.NoError(t, err)
	assert.True(t, res.Delete)
}

func TestTrackerNormalizer_APIErrorSurfaces(t *testing.T) {
	t.Parallel()
	n := NewTrackerNormalizer(&fakeTrackerClient{err: errors.New("boom")})
	_, err := n.Process(context.Background(), "task.updated", "42")
	require.Error(t, err)
}

func TestTrackerNormalizer_MapsTask(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"id":42}`)
	n := NewTrackerNormalizer(&fakeTrackerClient{task: tracker.Task{
		ID:           42,
		Name:         "Ship it",
		Description:  "details",
		Status:       "active",
		Priority:     "high",
		Progress:     60,
		ProjectID:    7,
		ProjectName:  "Infra",
		TasklistID:   3,
		TasklistName: "Sprint 12",
		Tags:         []tracker.Tag{{ID: 1, Name: "urgent", Color: "#f00"}},
		Assignees:    []tracker.Person{{ID: 9, FirstName: "Sam", LastName: "Lee"}},
		CreatedBy:    &tracker.Person{FullName: "Pat Q"},
		DueDate:      "2024-02-01",
		UpdatedAt:    "2024-01-15T10:30:00Z",
		URL:          "https://tracker.example.com/tasks/42",
		Raw:          raw,
	}})
	res, err := n.Process(context.Background(), "task.updated", "42")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	task, ok := res.Records[0].(domain.Task)
	require.True(t, ok)

	assert.Equal(t, "42", task.TaskID)
	assert.Equal(t, "7", task.ProjectID)
	assert.Equal(t, "Infra", task.ProjectName)
	assert.Equal(t, "Sprint 12", task.TasklistName)
	assert.Equal(t, []string{"urgent"}, task.Tags)
	require.Len(t, task.TagLinks, 1)
	assert.Equal(t, int64(1), task.TagLinks[0].ID)
	assert.Equal(t, []string{"Sam Lee"}, task.Assignees)
	assert.Equal(t, "Pat Q", task.CreatedBy)
	require.NotNil(t, task.DueAt)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), *task.DueAt)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), task.UpdatedAt)
	assert.Equal(t, "https://tracker.example.com/tasks/42", task.SourceLinks["web"])
	assert.Equal(t, raw, task.Raw)
}

func TestTrackerNormalizer_StripsControlCharacters(t *testing.T) {
	t.Parallel()
	n := NewTrackerNormalizer(&fakeTrackerClient{task: tracker.Task{
		ID:          42,
		Name:        "Ship\x00 it",
		Description: "line one\nline\x01 two",
	}})
	res, err := n.Process(context.Background(), "task.updated", "42")
	require.NoError(t, err)
	task := res.Records[0].(domain.Task)

	// NUL bytes would fail the Postgres upsert and poison the item.
	assert.Equal(t, "Ship it", task.Title)
	assert.Equal(t, "line one\nline two", task.Description)
}

func TestTrackerNormalizer_CompletedCountsAsDeleted(t *testing.T) {
	t.Parallel()
	n := NewTrackerNormalizer(&fakeTrackerClient{task: tracker.Task{
		ID:          42,
		Name:        "Ship it",
		Completed:   true,
		CompletedAt: "2024-01-20T09:00:00Z",
		UpdatedAt:   "2024-01-20T09:00:00Z",
	}})
	res, err := n.Process(context.Background(), "task.updated", "42")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	task := res.Records[0].(domain.Task)

	assert.True(t, task.Deleted)
	require.NotNil(t, task.DeletedAt)
	assert.Equal(t, time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC), *task.DeletedAt)
}

func TestTrackerNormalizer_CompletedWithoutTimestamp(t *testing.T) {
	t.Parallel()
	n := NewTrackerNormalizer(&fakeTrackerClient{task: tracker.Task{ID: 42, Completed: true}})
	res, err := n.Process(context.Background(), "task.updated", "42")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	task := res.Records[0].(domain.Task)

	assert.True(t, task.Deleted)
	require.NotNil(t, task.DeletedAt)
	assert.WithinDuration(t, time.Now().UTC(), *task.DeletedAt, time.Minute)
}

type fakeMailboxClient struct {
	msgs        []mailbox.Message
	err         error
	downloads   []string
	sniffedType string
	downloadErr error
}

func (f *fakeMailboxClient) ConversationMessages(context.Context, string) ([]mailbox.Message, error) {
	return f.msgs, f.err
}

func (f *fakeMailboxClient) DownloadAttachment(_ context.Context, rawURL string) ([]byte, string, error) {
	f.downloads = append(f.downloads, rawURL)
	return nil, f.sniffedType, f.downloadErr
}

func TestMailboxNormalizer_FansOutMessages(t *testing.T) {
	t.Parallel()
	path := writeLabelFile(t, "support: \"Support*\"\n")
	labels, err := LoadLabelCategories(path)
	require.NoError(t, err)

	n := NewMailboxNormalizer(&fakeMailboxClient{msgs: []mailbox.Message{
		{
			ID:          "m1",
			Subject:     "Hello",
			From:        mailbox.Contact{Address: "a@example.com", Name: "Ann"},
			To:          []mailbox.Contact{{Address: "b@example.com", Name: "Bob"}},
			Body:        "<p>Hi &amp; bye</p>",
			DeliveredAt: 1705314600,
			Labels:      []mailbox.Label{{ID: "l1", Name: "Support/EU"}},
			Attachments: []mailbox.Attachment{{ID: "a1", Filename: "x.pdf", Size: 9}},
		},
		{ID: "m2", Preview: "short text", Draft: true},
	}}, labels)

	res, err := n.Process(context.Background(), "incoming_email", "conv-1")
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	e1, ok := res.Records[0].(domain.Email)
	require.True(t, ok)
	assert.Equal(t, "m1", e1.EmailID)
	assert.Equal(t, "conv-1", e1.ThreadID)
	assert.Equal(t, "a@example.com", e1.FromAddress)
	assert.Equal(t, []string{"b@example.com"}, e1.To)
	assert.Equal(t, "Hi & bye", e1.BodyText, "text falls back to stripped HTML")
	require.NotNil(t, e1.SentAt)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), *e1.SentAt)
	assert.Equal(t, []string{"Support/EU"}, e1.Labels)
	assert.Equal(t, []string{"support"}, e1.Categories)
	require.Len(t, e1.Attachments, 1)
	assert.Equal(t, "x.pdf", e1.Attachments[0].Filename)

	e2 := res.Records[1].(domain.Email)
	assert.Equal(t, "short text", e2.BodyText)
	assert.True(t, e2.Draft)
	assert.Nil(t, e2.SentAt)
}

func TestMailboxNormalizer_PrefersFullBodyOverPreview(t *testing.T) {
	t.Parallel()
	n := NewMailboxNormalizer(&fakeMailboxClient{msgs: []mailbox.Message{
		{ID: "m1", Body: "<p>the whole message body</p>", Preview: "the whole mess..."},
	}}, nil)
	res, err := n.Process(context.Background(), "incoming_email", "conv-1")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	e := res.Records[0].(domain.Email)
	assert.Equal(t, "the whole message body", e.BodyText)
}

func TestMailboxNormalizer_SniffsMissingContentType(t *testing.T) {
	t.Parallel()
	client := &fakeMailboxClient{
		sniffedType: "application/pdf",
		msgs: []mailbox.Message{{
			ID: "m1",
			Attachments: []mailbox.Attachment{
				{ID: "a1", Filename: "x.pdf", URL: "https://mail.example.com/files/a1"},
				{ID: "a2", Filename: "y.png", ContentType: "image/png", URL: "https://mail.example.com/files/a2"},
			},
		}},
	}
	n := NewMailboxNormalizer(client, nil)
	res, err := n.Process(context.Background(), "incoming_email", "conv-1")
	require.NoError(t, err)
	e := res.Records[0].(domain.Email)

	require.Len(t, e.Attachments, 2)
	assert.Equal(t, "application/pdf", e.Attachments[0].ContentType)
	assert.Equal(t, "image/png", e.Attachments[1].ContentType)
	// Only the attachment missing a content type is downloaded.
	assert.Equal(t, []string{"https://mail.example.com/files/a1"}, client.downloads)
}

func TestMailboxNormalizer_SniffFailureLeavesTypeEmpty(t *testing.T) {
	t.Parallel()
	client := &fakeMailboxClient{
		downloadErr: errors.New("boom"),
		msgs: []mailbox.Message{{
			ID:          "m1",
			Attachments: []mailbox.Attachment{{ID: "a1", URL: "https://mail.example.com/files/a1"}},
		}},
	}
	n := NewMailboxNormalizer(client, nil)
	res, err := n.Process(context.Background(), "incoming_email", "conv-1")
	require.NoError(t, err)
	e := res.Records[0].(domain.Email)
	assert.Empty(t, e.Attachments[0].ContentType)
}

func TestMailboxNormalizer_TrashedEvent(t *testing.T) {
	t.Parallel()
	n := NewMailboxNormalizer(&fakeMailboxClient{}, nil)
	res, err := n.Process(context.Background(), "conversation_trashed", "conv-1")
	require.NoError(t, err)
	assert.True(t, res.Delete)
}

func TestMailboxNormalizer_EmptyConversationSkips(t *testing.T) {
	t.Parallel()
	n := NewMailboxNormalizer(&fakeMailboxClient{}, nil)
	res, err := n.Process(context.Background(), "incoming_email", "conv-1")
	require.NoError(t, err)
	assert.True(t, res.Skip)
}

func TestMailboxNormalizer_NotFoundBecomesDelete(t *testing.T) {
	t.Parallel()
	n := NewMailboxNormalizer(&fakeMailboxClient{err: domain.ErrNotFound}, nil)
	res, err := n.Process(context.Background(), "incoming_email", "conv-1")
	require.NoError(t, err)
	assert.True(t, res.Delete)
}

type fakeDocsClient struct {
	meta       docs.Document
	metaErr    error
	content    string
	contentErr error
}

func (f *fakeDocsClient) DocumentByID(context.Context, string) (docs.Document, error) {
	return f.meta, f.metaErr
}

func (f *fakeDocsClient) DocumentContent(context.Context, string) (string, error) {
	return f.content, f.contentErr
}

func TestDocsNormalizer_MapsDocument(t *testing.T) {
	t.Parallel()
	n := NewDocsNormalizer(&fakeDocsClient{
		meta: docs.Document{
			ID:             "d1",
			Title:          "Runbook",
			LastModifiedAt: "2024-01-15T10:30:00Z",
			DailyNoteDate:  "2024-01-15",
			FolderPath:     "Ops",
		},
		content: "# Runbook\n\nsteps",
	})
	res, err := n.Process(context.Background(), "document.updated", "d1")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	doc := res.Records[0].(domain.Document)
	assert.Equal(t, "d1", doc.ID)
	assert.Equal(t, "# Runbook\n\nsteps", doc.MarkdownContent)
	assert.Equal(t, "Ops", doc.FolderPath)
	require.NotNil(t, doc.LastModifiedAt)
	require.NotNil(t, doc.DailyNoteDate)
}

func TestDocsNormalizer_StripsControlCharacters(t *testing.T) {
	t.Parallel()
	n := NewDocsNormalizer(&fakeDocsClient{
		meta:    docs.Document{ID: "d1", Title: "Run\x00book"},
		content: "# Runbook\x00\n\nsteps",
	})
	res, err := n.Process(context.Background(), "document.updated", "d1")
	require.NoError(t, err)
	doc := res.Records[0].(domain.Document)
	assert.Equal(t, "Runbook", doc.Title)
	assert.Equal(t, "# Runbook\n\nsteps", doc.MarkdownContent)
}

func TestDocsNormalizer_DeletedUpstream(t *testing.T) {
	t.Parallel()
	n := NewDocsNormalizer(&fakeDocsClient{meta: docs.Document{ID: "d1", IsDeleted: true}})
	res, err := n.Process(context.Background(), "document.updated", "d1")
	require.NoError(t, err)
	assert.True(t, res.Delete)
}

func TestDocsNormalizer_ContentGoneBecomesDelete(t *testing.T) {
	t.Parallel()
	n := NewDocsNormalizer(&fakeDocsClient{meta: docs.Document{ID: "d1"}, contentErr: domain.ErrNotFound})
	res, err := n.Process(context.Background(), "backfill", "d1")
	require.NoError(t, err)
	assert.True(t, res.Delete)
}
