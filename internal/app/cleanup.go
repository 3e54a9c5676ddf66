package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// QueueCleaner deletes completed queue items past the retention window so
// the table does not grow without bound.
type QueueCleaner struct {
	queue     domain.Queue
	retention time.Duration
	interval  time.Duration
}

func NewQueueCleaner(queue domain.Queue, retention, interval time.Duration) *QueueCleaner {
	if queue == nil {
		return nil
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &QueueCleaner{queue: queue, retention: retention, interval: interval}
}

func (c *QueueCleaner) Run(ctx context.Context) {
	if c == nil || c.queue == nil {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.cleanOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue cleaner stopping")
			return
		case <-ticker.C:
			c.cleanOnce(ctx)
		}
	}
}

func (c *QueueCleaner) cleanOnce(ctx context.Context) {
	tracer := otel.Tracer("queue.cleaner")
	ctx, span := tracer.Start(ctx, "QueueCleaner.cleanOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("queue.retention_seconds", c.retention.Seconds()))

	deleted, err := c.queue.CleanupCompleted(ctx, c.retention)
	if err != nil {
		span.RecordError(err)
		slog.Error("queue cleanup failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("queue.items_deleted", deleted))
	if deleted > 0 {
		slog.Info("purged completed queue items", slog.Int64("count", deleted))
	}
}
