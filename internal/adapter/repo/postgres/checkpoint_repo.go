package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// CheckpointRepo stores the reconciler's per-source high-water marks.
// Written only by the reconciler at the end of each successful poll window.
type CheckpointRepo struct {
	ex Executor
}

// NewCheckpointRepo constructs a CheckpointRepo.
func NewCheckpointRepo(ex Executor) *CheckpointRepo { return &CheckpointRepo{ex: ex} }

// Get loads the checkpoint for a source, or domain.ErrNotFound when the
// source has never been polled.
func (r *CheckpointRepo) Get(ctx domain.Context, source domain.Source) (domain.Checkpoint, error) {
	tracer := otel.Tracer("repo.checkpoints")
	ctx, span := tracer.Start(ctx, "checkpoints.Get")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint.source", string(source)))
	var cp domain.Checkpoint
	err := r.ex.Execute(ctx, "checkpoint.get", func(tx pgx.Tx) error {
		q := `SELECT source, last_event_time, last_cursor, updated_at FROM checkpoints WHERE source = $1`
		var src string
		if err := tx.QueryRow(ctx, q, source).Scan(&src, &cp.LastEventTime, &cp.LastCursor, &cp.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("checkpoint %s: %w", source, domain.ErrNotFound)
			}
			return err
		}
		cp.Source = domain.Source(src)
		return nil
	})
	if err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

// Set upserts the checkpoint for a source.
func (r *CheckpointRepo) Set(ctx domain.Context, source domain.Source, lastEventTime time.Time, cursor *string) error {
	tracer := otel.Tracer("repo.checkpoints")
	ctx, span := tracer.Start(ctx, "checkpoints.Set")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkpoint.source", string(source)),
		attribute.String("checkpoint.last_event_time", lastEventTime.UTC().Format(time.RFC3339)),
	)
	return r.ex.Execute(ctx, "checkpoint.set", func(tx pgx.Tx) error {
		q := `INSERT INTO checkpoints (source, last_event_time, last_cursor, updated_at)
		      VALUES ($1, $2, $3, now())
		      ON CONFLICT (source) DO UPDATE SET
		          last_event_time = EXCLUDED.last_event_time,
		          last_cursor = EXCLUDED.last_cursor,
		          updated_at = now()`
		_, err := tx.Exec(ctx, q, source, lastEventTime.UTC(), cursor)
		return err
	})
}
