package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// QueueSweeper returns items whose lease has expired back to pending. A
// dispatcher that crashed mid-batch leaves its items claimed; without the
// sweeper those items would never run again.
type QueueSweeper struct {
	queue     domain.Queue
	threshold time.Duration
	interval  time.Duration
}

func NewQueueSweeper(queue domain.Queue, threshold, interval time.Duration) *QueueSweeper {
	if queue == nil {
		return nil
	}
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &QueueSweeper{queue: queue, threshold: threshold, interval: interval}
}

func (s *QueueSweeper) Run(ctx context.Context) {
	if s == nil || s.queue == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *QueueSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("queue.sweeper")
	ctx, span := tracer.Start(ctx, "QueueSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("queue.visibility_timeout_seconds", s.threshold.Seconds()))

	reset, err := s.queue.ResetStuck(ctx, s.threshold)
	if err != nil {
		span.RecordError(err)
		slog.Error("queue sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("queue.items_reset", reset))
	if reset > 0 {
		slog.Warn("reclaimed expired queue leases", slog.Int64("count", reset))
	}
}
