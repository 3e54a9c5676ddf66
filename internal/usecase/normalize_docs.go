package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/docs"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
	"github.com/fairyhunter13/workspace-sync/pkg/textx"
)

// DocsClient is the slice of the docs API the normalizer needs.
type DocsClient interface {
	DocumentByID(ctx context.Context, id string) (docs.Document, error)
	DocumentContent(ctx context.Context, id string) (string, error)
}

// DocsNormalizer fetches a document's metadata and markdown export. The
// content call is separate upstream, so one queue item costs two requests.
type DocsNormalizer struct {
	client DocsClient
}

func NewDocsNormalizer(client DocsClient) *DocsNormalizer {
	return &DocsNormalizer{client: client}
}

// Process implements domain.Normalizer.
func (n *DocsNormalizer) Process(ctx domain.Context, eventType, externalID string) (domain.NormalizeResult, error) {
	if isDeletionEvent(eventType) {
		return domain.DeleteResult(), nil
	}
	meta, err := n.client.DocumentByID(ctx, externalID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DeleteResult(), nil
	}
	if err != nil {
		return domain.NormalizeResult{}, fmt.Errorf("op=normalize.docs: fetch %s: %w", externalID, err)
	}
	if meta.IsDeleted {
		return domain.DeleteResult(), nil
	}
	content, err := n.client.DocumentContent(ctx, externalID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DeleteResult(), nil
	}
	if err != nil {
		return domain.NormalizeResult{}, fmt.Errorf("op=normalize.docs: content %s: %w", externalID, err)
	}
	return domain.RecordsResult(mapDocument(meta, content)), nil
}

// mapDocument builds the normalized record; title and content are sanitized
// because Postgres rejects NUL bytes in text columns.
func mapDocument(meta docs.Document, content string) domain.Document {
	return domain.Document{
		ID:              meta.ID,
		Title:           textx.SanitizeText(meta.Title),
		MarkdownContent: textx.SanitizeText(content),
		IsDeleted:       meta.IsDeleted,
		FolderPath:      meta.FolderPath,
		FolderID:        meta.FolderID,
		Location:        meta.Location,
		DailyNoteDate:   parseTimePtr(meta.DailyNoteDate),
		LastModifiedAt:  parseTimePtr(meta.LastModifiedAt),
		CreatedAt:       parseTimePtr(meta.CreatedAt),
		Raw:             meta.Raw,
	}
}
