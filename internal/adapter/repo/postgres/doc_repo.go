package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// DocumentRepo persists normalized documents from the docs source.
type DocumentRepo struct {
	ex Executor
}

// NewDocumentRepo constructs a DocumentRepo.
func NewDocumentRepo(ex Executor) *DocumentRepo { return &DocumentRepo{ex: ex} }

// UpsertBatch writes a batch of documents in one transaction.
func (r *DocumentRepo) UpsertBatch(ctx domain.Context, recs []domain.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.UpsertBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("documents.batch_size", len(recs)))
	return r.ex.Execute(ctx, "document.upsert_batch", func(tx pgx.Tx) error {
		for _, rec := range recs {
			d, ok := rec.(domain.Document)
			if !ok {
				return fmt.Errorf("%w: document store got %T", domain.ErrInvalidArgument, rec)
			}
			if err := upsertDocumentTx(ctx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// Upsert writes a single document in its own transaction.
func (r *DocumentRepo) Upsert(ctx domain.Context, rec domain.Record) error {
	d, ok := rec.(domain.Document)
	if !ok {
		return fmt.Errorf("op=document.upsert: %w: got %T", domain.ErrInvalidArgument, rec)
	}
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", d.ID))
	return r.ex.Execute(ctx, "document.upsert", func(tx pgx.Tx) error {
		return upsertDocumentTx(ctx, tx, d)
	})
}

// MarkDeleted soft-deletes a document by remote id.
func (r *DocumentRepo) MarkDeleted(ctx domain.Context, externalID string, at time.Time) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.MarkDeleted")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", externalID))
	return r.ex.Execute(ctx, "document.mark_deleted", func(tx pgx.Tx) error {
		q := `UPDATE documents SET is_deleted = TRUE, deleted_at = $2, db_updated_at = now() WHERE id = $1 AND NOT is_deleted`
		_, err := tx.Exec(ctx, q, externalID, at.UTC())
		return err
	})
}

func upsertDocumentTx(ctx domain.Context, tx pgx.Tx, d domain.Document) error {
	q := `INSERT INTO documents (
	        id, title, markdown_content, is_deleted, folder_path, folder_id,
	        location, daily_note_date, last_modified_at, source_created_at,
	        raw_data, created_at
	      ) VALUES (
	        $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now()
	      )
	      ON CONFLICT (id) DO UPDATE SET
	          title = EXCLUDED.title,
	          markdown_content = EXCLUDED.markdown_content,
	          is_deleted = EXCLUDED.is_deleted,
	          folder_path = EXCLUDED.folder_path,
	          folder_id = EXCLUDED.folder_id,
	          location = EXCLUDED.location,
	          daily_note_date = EXCLUDED.daily_note_date,
	          last_modified_at = EXCLUDED.last_modified_at,
	          source_created_at = COALESCE(documents.source_created_at, EXCLUDED.source_created_at),
	          raw_data = EXCLUDED.raw_data,
	          db_updated_at = now()`
	_, err := tx.Exec(ctx, q,
		d.ID, d.Title, d.MarkdownContent, d.IsDeleted, nullStr(d.FolderPath), nullStr(d.FolderID),
		nullStr(d.Location), d.DailyNoteDate, d.LastModifiedAt, d.CreatedAt, rawJSON(d.Raw),
	)
	return err
}
