package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("unavailable")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrInternal          = errors.New("internal error")
)

// Source identifies an upstream system feeding the pipeline.
type Source string

const (
	SourceTracker Source = "tracker"
	SourceMailbox Source = "mailbox"
	SourceDocs    Source = "docs"
)

// ParseSource validates a source name taken from a URL or queue row.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceTracker, SourceMailbox, SourceDocs:
		return Source(s), nil
	}
	return "", fmt.Errorf("%w: unknown source %q", ErrInvalidArgument, s)
}

// Sources lists every known source in dispatch order.
func Sources() []Source {
	return []Source{SourceTracker, SourceMailbox, SourceDocs}
}

type QueueItemStatus string

const (
	QueuePending    QueueItemStatus = "pending"
	QueueProcessing QueueItemStatus = "processing"
	QueueCompleted  QueueItemStatus = "completed"
	QueueFailed     QueueItemStatus = "failed"
	QueueDeadLetter QueueItemStatus = "dead_letter"
)

// QueueItem is one unit of pending work. Rows are owned by the database;
// an item handed to a worker is leased until ack/fail or until the
// visibility timeout sweeps it back to pending.
//
// Duplicate (source, external_id, event_type) items may exist; the
// pipeline relies on the upsert's idempotency, not on queue dedup.
type QueueItem struct {
	ID         int64
	Source     Source
	EventType  string
	ExternalID string
	// Payload is deliberately empty for webhook-enqueued items; the remote
	// record is authoritative and re-fetched by the normalizer.
	Payload          map[string]any
	Status           QueueItemStatus
	RetryCount       int
	NextRetryAt      time.Time
	ClaimedBy        *string
	ClaimedAt        *time.Time
	CreatedAt        time.Time
	CompletedAt      *time.Time
	LastError        *string
	ProcessingTimeMS *int64
}

// QueueStats aggregates counts for one source, as exposed by /health.
type QueueStats struct {
	Pending          int64   `json:"pending"`
	Processing       int64   `json:"processing"`
	Failed           int64   `json:"failed"`
	DeadLetter       int64   `json:"dead_letter"`
	AvgProcessingMS  float64 `json:"avg_processing_time_ms"`
	StuckItems       int64   `json:"stuck_items"`
}

// QueueHealth maps each source to its current stats.
type QueueHealth map[Source]QueueStats

// Pending sums pending counts across sources.
func (h QueueHealth) Pending() int64 {
	var n int64
	for _, s := range h {
		n += s.Pending
	}
	return n
}

// Checkpoint is the reconciler's per-source high-water mark.
type Checkpoint struct {
	Source        Source
	LastEventTime time.Time
	LastCursor    *string
	UpdatedAt     time.Time
}

// WebhookConfig persists registered webhook ids so that startup can verify
// or re-register endpoints instead of creating duplicates.
type WebhookConfig struct {
	Source         Source
	WebhookIDs     []string
	WebhookURL     string
	IsActive       bool
	LastVerifiedAt *time.Time
	UpdatedAt      time.Time
}

// TagRef is a remote tag attached to a task, used for the task_tags link table.
type TagRef struct {
	ID    int64
	Name  string
	Color string
}

// UserRef is a remote user attached to a task, used for the task_assignees link table.
type UserRef struct {
	ID        int64
	FirstName string
	LastName  string
}

// FullName joins the user's name parts.
func (u UserRef) FullName() string {
	if u.FirstName == "" {
		return u.LastName
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Task is the normalized record for the tracker source.
type Task struct {
	TaskID       string
	ProjectID    string
	ProjectName  string
	TasklistID   string
	TasklistName string
	Title        string
	Description  string
	Status       string
	Priority     string
	Progress     int
	Tags         []string
	Assignees    []string
	CreatedBy    string
	UpdatedBy    string
	DueAt        *time.Time
	UpdatedAt    time.Time
	Deleted      bool
	DeletedAt    *time.Time
	SourceLinks  map[string]string
	// TagLinks and AssigneeLinks carry the remote ids the storage layer
	// upserts into the tags/users entity tables and the link tables.
	TagLinks      []TagRef
	AssigneeLinks []UserRef
	Raw           json.RawMessage
}

// Attachment is one file attached to an email.
type Attachment struct {
	AttachmentID string
	Filename     string
	ContentType  string
	SizeBytes    int64
	URL          string
}

// Email is the normalized record for the mailbox source. One conversation
// fans out into one Email per message.
type Email struct {
	EmailID     string
	ThreadID    string
	Subject     string
	FromAddress string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string
	ToNames     []string
	CcNames     []string
	BccNames    []string
	InReplyTo   []string
	BodyText    string
	BodyHTML    string
	SentAt      *time.Time
	ReceivedAt  *time.Time
	Labels      []string
	Categories  []string
	Draft       bool
	Deleted     bool
	DeletedAt   *time.Time
	Attachments []Attachment
	Raw         json.RawMessage
}

// Document is the normalized record for the docs source.
type Document struct {
	ID              string
	Title           string
	MarkdownContent string
	IsDeleted       bool
	FolderPath      string
	FolderID        string
	Location        string
	DailyNoteDate   *time.Time
	LastModifiedAt  *time.Time
	CreatedAt       *time.Time
	Raw             json.RawMessage
}

// Record is any normalized domain record destined for an idempotent upsert.
type Record interface {
	RecordSource() Source
	RecordID() string
}

func (t Task) RecordSource() Source     { return SourceTracker }
func (t Task) RecordID() string         { return t.TaskID }
func (e Email) RecordSource() Source    { return SourceMailbox }
func (e Email) RecordID() string        { return e.EmailID }
func (d Document) RecordSource() Source { return SourceDocs }
func (d Document) RecordID() string     { return d.ID }

// Repositories (ports)

// Queue is the durable at-least-once work queue.
type Queue interface {
	Enqueue(ctx Context, source Source, eventType, externalID string) (int64, error)
	EnqueueBatch(ctx Context, items []QueueItem) error
	DequeueBatch(ctx Context, workerID string, maxItems int, source *Source) ([]QueueItem, error)
	MarkCompleted(ctx Context, id int64, processingTime time.Duration) error
	MarkFailed(ctx Context, id int64, errMsg string, retry bool) error
	ResetStuck(ctx Context, threshold time.Duration) (int64, error)
	CleanupCompleted(ctx Context, retention time.Duration) (int64, error)
	Health(ctx Context) (QueueHealth, error)
}

type CheckpointRepository interface {
	Get(ctx Context, source Source) (Checkpoint, error)
	Set(ctx Context, source Source, lastEventTime time.Time, cursor *string) error
}

type WebhookConfigRepository interface {
	Get(ctx Context, source Source) (WebhookConfig, error)
	Save(ctx Context, cfg WebhookConfig) error
}

// RecordStore persists normalized records for one source. Upserts are
// idempotent keyed by the remote id; MarkDeleted is a soft delete.
type RecordStore interface {
	UpsertBatch(ctx Context, recs []Record) error
	Upsert(ctx Context, rec Record) error
	MarkDeleted(ctx Context, externalID string, at time.Time) error
}

// Context is an alias so the domain stays decoupled from adapters; all
// blocking operations accept it.
type Context = context.Context
