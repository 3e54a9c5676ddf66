package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// QueueRepoConfig carries the retry policy pushed down into the server-side
// queue functions.
type QueueRepoConfig struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

func (c QueueRepoConfig) withDefaults() QueueRepoConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Hour
	}
	return c
}

// QueueRepo is the durable at-least-once work queue backed by the
// queue_items table. Leasing runs through server-side functions so that it
// stays atomic under concurrent workers; see schema.go.
type QueueRepo struct {
	ex  Executor
	cfg QueueRepoConfig
}

// NewQueueRepo constructs a QueueRepo on top of the resilient session.
func NewQueueRepo(ex Executor, cfg QueueRepoConfig) *QueueRepo {
	return &QueueRepo{ex: ex, cfg: cfg.withDefaults()}
}

// Enqueue inserts one pending item and returns its id. It never blocks on
// other workers; webhook handlers surface a failure here as 503.
func (r *QueueRepo) Enqueue(ctx domain.Context, source domain.Source, eventType, externalID string) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue.source", string(source)),
		attribute.String("queue.external_id", externalID),
	)
	var id int64
	err := r.ex.Execute(ctx, "queue.enqueue", func(tx pgx.Tx) error {
		q := `INSERT INTO queue_items (source, event_type, external_id, payload, status, retry_count, next_retry_at, created_at)
		      VALUES ($1, $2, $3, '{}'::jsonb, 'pending', 0, now(), now())
		      RETURNING id`
		return tx.QueryRow(ctx, q, source, eventType, externalID).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	observability.QueueEnqueuedTotal.WithLabelValues(string(source)).Inc()
	return id, nil
}

// EnqueueBatch inserts many items in a single transaction. Used by the
// backfill so that one poll window commits atomically.
func (r *QueueRepo) EnqueueBatch(ctx domain.Context, items []domain.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.EnqueueBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("queue.batch_size", len(items)))
	err := r.ex.Execute(ctx, "queue.enqueue_batch", func(tx pgx.Tx) error {
		q := `INSERT INTO queue_items (source, event_type, external_id, payload, status, retry_count, next_retry_at, created_at)
		      VALUES ($1, $2, $3, '{}'::jsonb, 'pending', 0, now(), now())`
		for _, it := range items {
			if _, err := tx.Exec(ctx, q, it.Source, it.EventType, it.ExternalID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, it := range items {
		observability.QueueEnqueuedTotal.WithLabelValues(string(it.Source)).Inc()
	}
	return nil
}

// DequeueBatch atomically claims up to maxItems pending items for workerID.
// Claimed rows flip to processing; the visibility sweep returns them to
// pending if the worker never acks.
func (r *QueueRepo) DequeueBatch(ctx domain.Context, workerID string, maxItems int, source *domain.Source) ([]domain.QueueItem, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.DequeueBatch")
	defer span.End()
	span.SetAttributes(attribute.String("queue.worker_id", workerID))
	var items []domain.QueueItem
	err := r.ex.Execute(ctx, "queue.dequeue_batch", func(tx pgx.Tx) error {
		items = items[:0]
		var src any
		if source != nil {
			src = string(*source)
		}
		rows, err := tx.Query(ctx, `SELECT id, source, event_type, external_id, retry_count FROM queue_dequeue($1, $2, $3)`, workerID, maxItems, src)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var it domain.QueueItem
			var srcStr string
			if err := rows.Scan(&it.ID, &srcStr, &it.EventType, &it.ExternalID, &it.RetryCount); err != nil {
				return err
			}
			it.Source = domain.Source(srcStr)
			it.Status = domain.QueueProcessing
			items = append(items, it)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("queue.claimed", len(items)))
	return items, nil
}

// MarkCompleted acks one item. Idempotent; a second call is a no-op.
func (r *QueueRepo) MarkCompleted(ctx domain.Context, id int64, processingTime time.Duration) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.MarkCompleted")
	defer span.End()
	err := r.ex.Execute(ctx, "queue.mark_completed", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `SELECT queue_mark_completed($1, $2)`, id, processingTime.Milliseconds())
		return err
	})
	if err != nil {
		return err
	}
	observability.QueueCompletedTotal.WithLabelValues(sourceLabel(ctx)).Inc()
	return nil
}

// MarkFailed records a failure. With retry true the item goes back to
// pending with exponential backoff until the attempt budget is spent, then
// to dead_letter; with retry false it parks in failed.
func (r *QueueRepo) MarkFailed(ctx domain.Context, id int64, errMsg string, retry bool) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.MarkFailed")
	defer span.End()
	var status *string
	err := r.ex.Execute(ctx, "queue.mark_failed", func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT queue_mark_failed($1, $2, $3, $4, $5, $6)`,
			id, errMsg, retry, r.cfg.MaxAttempts, r.cfg.RetryBase.Seconds(), r.cfg.RetryCap.Seconds()).Scan(&status)
	})
	if err != nil {
		return err
	}
	observability.QueueFailedTotal.WithLabelValues(sourceLabel(ctx)).Inc()
	if status != nil {
		span.SetAttributes(attribute.String("queue.new_status", *status))
	}
	return nil
}

// ResetStuck sweeps items claimed for longer than threshold back to pending
// and returns how many were swept. Retry counts are left untouched; a
// visibility sweep is recovery, not a failure.
func (r *QueueRepo) ResetStuck(ctx domain.Context, threshold time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ResetStuck")
	defer span.End()
	var count int64
	err := r.ex.Execute(ctx, "queue.reset_stuck", func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT queue_reset_stuck($1)`, int(threshold.Minutes())).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		observability.QueueStuckResetTotal.Add(float64(count))
	}
	return count, nil
}

// CleanupCompleted deletes completed rows older than the retention window.
// Dead-letter rows are retained indefinitely for inspection.
func (r *QueueRepo) CleanupCompleted(ctx domain.Context, retention time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.CleanupCompleted")
	defer span.End()
	var count int64
	err := r.ex.Execute(ctx, "queue.cleanup_completed", func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT queue_cleanup_completed($1)`, int(retention.Hours()/24)).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		observability.QueueCleanupDeletedTotal.Add(float64(count))
	}
	return count, nil
}

// Health reads the queue_health view into a per-source snapshot.
func (r *QueueRepo) Health(ctx domain.Context) (domain.QueueHealth, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Health")
	defer span.End()
	health := domain.QueueHealth{}
	err := r.ex.Execute(ctx, "queue.health", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT source, pending_count, processing_count, failed_count, dead_letter_count, COALESCE(avg_processing_time_ms, 0), stuck_items FROM queue_health`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var src string
			var st domain.QueueStats
			if err := rows.Scan(&src, &st.Pending, &st.Processing, &st.Failed, &st.DeadLetter, &st.AvgProcessingMS, &st.StuckItems); err != nil {
				return err
			}
			health[domain.Source(src)] = st
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	for src, st := range health {
		observability.ObserveQueueDepth(string(src), st.Pending, st.Processing, st.Failed, st.DeadLetter)
	}
	return health, nil
}

func sourceLabel(ctx context.Context) string {
	if s, ok := domain.SourceFromContext(ctx); ok {
		return string(s)
	}
	return "unknown"
}
