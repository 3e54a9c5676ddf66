package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// EmailRepo persists normalized mailbox messages. One conversation fans out
// into one row per message; attachments are child rows replaced wholesale on
// every upsert so retries converge on the same state.
type EmailRepo struct {
	ex Executor
}

// NewEmailRepo constructs an EmailRepo.
func NewEmailRepo(ex Executor) *EmailRepo { return &EmailRepo{ex: ex} }

// UpsertBatch writes a batch of emails in one transaction.
func (r *EmailRepo) UpsertBatch(ctx domain.Context, recs []domain.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.emails")
	ctx, span := tracer.Start(ctx, "emails.UpsertBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("emails.batch_size", len(recs)))
	return r.ex.Execute(ctx, "email.upsert_batch", func(tx pgx.Tx) error {
		for _, rec := range recs {
			e, ok := rec.(domain.Email)
			if !ok {
				return fmt.Errorf("%w: email store got %T", domain.ErrInvalidArgument, rec)
			}
			if err := upsertEmailTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Upsert writes a single email in its own transaction.
func (r *EmailRepo) Upsert(ctx domain.Context, rec domain.Record) error {
	e, ok := rec.(domain.Email)
	if !ok {
		return fmt.Errorf("op=email.upsert: %w: got %T", domain.ErrInvalidArgument, rec)
	}
	tracer := otel.Tracer("repo.emails")
	ctx, span := tracer.Start(ctx, "emails.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("email.id", e.EmailID))
	return r.ex.Execute(ctx, "email.upsert", func(tx pgx.Tx) error {
		return upsertEmailTx(ctx, tx, e)
	})
}

// MarkDeleted soft-deletes by remote id. Queue items carry conversation
// ids, so the id matches either a single message or a whole thread.
func (r *EmailRepo) MarkDeleted(ctx domain.Context, externalID string, at time.Time) error {
	tracer := otel.Tracer("repo.emails")
	ctx, span := tracer.Start(ctx, "emails.MarkDeleted")
	defer span.End()
	span.SetAttributes(attribute.String("email.id", externalID))
	return r.ex.Execute(ctx, "email.mark_deleted", func(tx pgx.Tx) error {
		q := `UPDATE emails SET deleted = TRUE, deleted_at = $2, db_updated_at = now()
		      WHERE (email_id = $1 OR thread_id = $1) AND NOT deleted`
		_, err := tx.Exec(ctx, q, externalID, at.UTC())
		return err
	})
}

func upsertEmailTx(ctx domain.Context, tx pgx.Tx, e domain.Email) error {
	q := `INSERT INTO emails (
	        email_id, thread_id, subject, from_address, from_name,
	        to_addresses, cc_addresses, bcc_addresses,
	        to_names, cc_names, bcc_names, in_reply_to,
	        body_text, body_html, sent_at, received_at,
	        labels, categories, draft, deleted, deleted_at, raw_data, created_at
	      ) VALUES (
	        $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
	        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, now()
	      )
	      ON CONFLICT (email_id) DO UPDATE SET
	          thread_id = EXCLUDED.thread_id,
	          subject = EXCLUDED.subject,
	          from_address = EXCLUDED.from_address,
	          from_name = EXCLUDED.from_name,
	          to_addresses = EXCLUDED.to_addresses,
	          cc_addresses = EXCLUDED.cc_addresses,
	          bcc_addresses = EXCLUDED.bcc_addresses,
	          to_names = EXCLUDED.to_names,
	          cc_names = EXCLUDED.cc_names,
	          bcc_names = EXCLUDED.bcc_names,
	          in_reply_to = EXCLUDED.in_reply_to,
	          body_text = EXCLUDED.body_text,
	          body_html = EXCLUDED.body_html,
	          sent_at = EXCLUDED.sent_at,
	          received_at = EXCLUDED.received_at,
	          labels = EXCLUDED.labels,
	          categories = EXCLUDED.categories,
	          draft = EXCLUDED.draft,
	          deleted = EXCLUDED.deleted,
	          deleted_at = EXCLUDED.deleted_at,
	          raw_data = EXCLUDED.raw_data,
	          db_updated_at = now()`
	_, err := tx.Exec(ctx, q,
		e.EmailID, e.ThreadID, e.Subject, e.FromAddress, e.FromName,
		e.To, e.Cc, e.Bcc, e.ToNames, e.CcNames, e.BccNames, e.InReplyTo,
		e.BodyText, e.BodyHTML, e.SentAt, e.ReceivedAt,
		e.Labels, e.Categories, e.Draft, e.Deleted, e.DeletedAt, rawJSON(e.Raw),
	)
	if err != nil {
		return err
	}

	// Replace attachment child rows; delete-then-insert keeps the set exact.
	if _, err := tx.Exec(ctx, `DELETE FROM attachments WHERE email_id = $1`, e.EmailID); err != nil {
		return err
	}
	for _, att := range e.Attachments {
		q := `INSERT INTO attachments (email_id, attachment_id, filename, content_type, byte_size, source_url, created_at)
		      VALUES ($1, $2, $3, $4, $5, $6, now())`
		if _, err := tx.Exec(ctx, q, e.EmailID, att.AttachmentID, att.Filename, att.ContentType, att.SizeBytes, att.URL); err != nil {
			return err
		}
	}
	return nil
}
