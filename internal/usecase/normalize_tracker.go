// Package usecase contains the pipeline's application services: the
// normalizers that turn queue items into typed records, the dispatcher
// that drains the queue, and the reconciler that backfills missed events.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/tracker"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
	"github.com/fairyhunter13/workspace-sync/pkg/textx"
)

// TrackerClient is the slice of the tracker API the normalizer needs.
type TrackerClient interface {
	TaskByID(ctx context.Context, id string) (tracker.Task, error)
}

// TrackerNormalizer resolves tracker queue items against the live API. The
// webhook payload is never trusted; the fetched task is authoritative.
type TrackerNormalizer struct {
	client TrackerClient
}

func NewTrackerNormalizer(client TrackerClient) *TrackerNormalizer {
	return &TrackerNormalizer{client: client}
}

// Process implements domain.Normalizer.
func (n *TrackerNormalizer) Process(ctx domain.Context, eventType, externalID string) (domain.NormalizeResult, error) {
	if isDeletionEvent(eventType) {
		return domain.DeleteResult(), nil
	}
	task, err := n.client.TaskByID(ctx, externalID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DeleteResult(), nil
	}
	if err != nil {
		return domain.NormalizeResult{}, fmt.Errorf("op=normalize.tracker: fetch %s: %w", externalID, err)
	}
	if task.Deleted {
		return domain.DeleteResult(), nil
	}
	return domain.RecordsResult(mapTask(task)), nil
}

// mapTask builds the normalized record. Free-form fields are sanitized
// because Postgres rejects NUL bytes in text columns; completed tasks leave
// the active set, so they count as deleted.
func mapTask(t tracker.Task) domain.Task {
	rec := domain.Task{
		TaskID:       strconv.FormatInt(t.ID, 10),
		ProjectID:    formatID(t.ProjectID),
		ProjectName:  t.ProjectName,
		TasklistID:   formatID(t.TasklistID),
		TasklistName: t.TasklistName,
		Title:        textx.SanitizeText(t.Name),
		Description:  textx.SanitizeText(t.Description),
		Status:       t.Status,
		Priority:     t.Priority,
		Progress:     t.Progress,
		DueAt:        parseTimePtr(t.DueDate),
		Deleted:      t.Deleted || t.Completed,
		Raw:          t.Raw,
	}
	if rec.Deleted {
		if ts := parseTimePtr(t.CompletedAt); ts != nil {
			rec.DeletedAt = ts
		} else {
			now := time.Now().UTC()
			rec.DeletedAt = &now
		}
	}
	if ts := parseTimePtr(t.UpdatedAt); ts != nil {
		rec.UpdatedAt = *ts
	} else {
		rec.UpdatedAt = time.Now().UTC()
	}
	for _, tag := range t.Tags {
		rec.Tags = append(rec.Tags, tag.Name)
		rec.TagLinks = append(rec.TagLinks, domain.TagRef{ID: tag.ID, Name: tag.Name, Color: tag.Color})
	}
	for _, p := range t.Assignees {
		rec.Assignees = append(rec.Assignees, personName(p))
		rec.AssigneeLinks = append(rec.AssigneeLinks, domain.UserRef{ID: p.ID, FirstName: p.FirstName, LastName: p.LastName})
	}
	if t.CreatedBy != nil {
		rec.CreatedBy = personName(*t.CreatedBy)
	}
	if t.UpdatedBy != nil {
		rec.UpdatedBy = personName(*t.UpdatedBy)
	}
	if t.URL != "" {
		rec.SourceLinks = map[string]string{"web": t.URL}
	}
	return rec
}

func personName(p tracker.Person) string {
	if p.FullName != "" {
		return p.FullName
	}
	return domain.UserRef{FirstName: p.FirstName, LastName: p.LastName}.FullName()
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// isDeletionEvent covers the tracker's TASK.DELETED family and the
// mailbox's deleted/trashed event names.
func isDeletionEvent(eventType string) bool {
	lower := strings.ToLower(eventType)
	return strings.Contains(lower, "deleted") || strings.Contains(lower, "trashed")
}

// timeLayouts are the timestamp shapes the source APIs have been seen to
// emit; first match wins.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimePtr parses tolerantly, returning nil for empty or unparsable
// values rather than failing the record.
func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
