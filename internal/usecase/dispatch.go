package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// DispatcherConfig bounds the dispatch loop.
type DispatcherConfig struct {
	Workers    int
	BatchSize  int
	IdleSleep  time.Duration
	ErrorSleep time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 500 * time.Millisecond
	}
	if c.ErrorSleep <= 0 {
		c.ErrorSleep = 5 * time.Second
	}
	return c
}

// ConnectionProbe gates dequeuing on database availability so workers idle
// instead of burning retries while the database is down.
type ConnectionProbe func(ctx context.Context) bool

// Dispatcher drains the queue: it leases batches, runs the per-source
// normalizer, and persists the results. Acking is deliberate: an item is
// completed only after its effect is durably stored. When the database
// drops mid-batch the un-acked lease expires and the sweeper returns the
// item to pending, which is where at-least-once delivery comes from.
type Dispatcher struct {
	queue       domain.Queue
	normalizers map[domain.Source]domain.Normalizer
	stores      map[domain.Source]domain.RecordStore
	probe       ConnectionProbe
	cfg         DispatcherConfig
}

func NewDispatcher(
	queue domain.Queue,
	normalizers map[domain.Source]domain.Normalizer,
	stores map[domain.Source]domain.RecordStore,
	probe ConnectionProbe,
	cfg DispatcherConfig,
) *Dispatcher {
	return &Dispatcher{
		queue:       queue,
		normalizers: normalizers,
		stores:      stores,
		probe:       probe,
		cfg:         cfg.withDefaults(),
	}
}

// Run starts the worker pool and blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := "worker-" + uuid.NewString()[:8]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID string) {
	log := slog.With(slog.String("worker", workerID))
	log.Info("dispatch worker started")
	for {
		if ctx.Err() != nil {
			log.Info("dispatch worker stopped")
			return
		}
		if !d.probe(ctx) {
			sleepCtx(ctx, d.cfg.ErrorSleep)
			continue
		}
		items, err := d.queue.DequeueBatch(ctx, workerID, d.cfg.BatchSize, nil)
		if err != nil {
			log.Error("dequeue failed", slog.Any("error", err))
			sleepCtx(ctx, d.cfg.ErrorSleep)
			continue
		}
		if len(items) == 0 {
			sleepCtx(ctx, d.cfg.IdleSleep)
			continue
		}
		for source, group := range groupBySource(items) {
			start := time.Now()
			d.processGroup(ctx, log, source, group)
			observability.DispatchBatchDuration.WithLabelValues(string(source)).Observe(time.Since(start).Seconds())
		}
	}
}

func groupBySource(items []domain.QueueItem) map[domain.Source][]domain.QueueItem {
	groups := make(map[domain.Source][]domain.QueueItem)
	for _, it := range items {
		groups[it.Source] = append(groups[it.Source], it)
	}
	return groups
}

// itemOutcome pairs a leased item with its normalization result while the
// group's records wait for the batch upsert.
type itemOutcome struct {
	item    domain.QueueItem
	records []domain.Record
	started time.Time
}

func (d *Dispatcher) processGroup(ctx context.Context, log *slog.Logger, source domain.Source, items []domain.QueueItem) {
	ctx = domain.ContextWithSource(ctx, source)
	normalizer, okN := d.normalizers[source]
	store, okS := d.stores[source]
	if !okN || !okS {
		for _, it := range items {
			d.fail(ctx, log, it, "source not enabled", false)
		}
		return
	}

	var pending []itemOutcome
	for _, it := range items {
		started := time.Now()
		res, err := normalizer.Process(ctx, it.EventType, it.ExternalID)
		switch {
		case err != nil:
			log.Warn("normalize failed",
				slog.String("source", string(source)),
				slog.String("external_id", it.ExternalID),
				slog.Any("error", err))
			d.fail(ctx, log, it, err.Error(), true)
		case res.Skip:
			d.ack(ctx, log, it, started)
		case res.Delete:
			if err := store.MarkDeleted(ctx, it.ExternalID, time.Now().UTC()); err != nil {
				d.handleStoreError(ctx, log, it, err)
				continue
			}
			d.ack(ctx, log, it, started)
		default:
			pending = append(pending, itemOutcome{item: it, records: res.Records, started: started})
		}
	}
	if len(pending) == 0 {
		return
	}

	var batch []domain.Record
	for _, p := range pending {
		batch = append(batch, p.records...)
	}
	if err := store.UpsertBatch(ctx, batch); err == nil {
		for _, p := range pending {
			d.ack(ctx, log, p.item, p.started)
		}
		return
	} else if isUnavailable(err) {
		// Leave the whole group leased; the sweeper will return it.
		log.Warn("batch upsert hit database outage, leaving items leased",
			slog.String("source", string(source)), slog.Int("items", len(pending)), slog.Any("error", err))
		return
	}

	// A poison record fails the whole batch; retry items one by one so the
	// healthy ones still land.
	for _, p := range pending {
		if err := d.upsertOne(ctx, store, p.records); err != nil {
			if isUnavailable(err) {
				return
			}
			d.fail(ctx, log, p.item, err.Error(), true)
			continue
		}
		d.ack(ctx, log, p.item, p.started)
	}
}

func (d *Dispatcher) upsertOne(ctx context.Context, store domain.RecordStore, recs []domain.Record) error {
	for _, rec := range recs {
		if err := store.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleStoreError(ctx context.Context, log *slog.Logger, it domain.QueueItem, err error) {
	if isUnavailable(err) {
		log.Warn("store unavailable, leaving item leased", slog.Int64("item", it.ID), slog.Any("error", err))
		return
	}
	d.fail(ctx, log, it, err.Error(), true)
}

func (d *Dispatcher) ack(ctx context.Context, log *slog.Logger, it domain.QueueItem, started time.Time) {
	if err := d.queue.MarkCompleted(ctx, it.ID, time.Since(started)); err != nil {
		log.Error("ack failed", slog.Int64("item", it.ID), slog.Any("error", err))
	}
}

func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, it domain.QueueItem, msg string, retry bool) {
	if err := d.queue.MarkFailed(ctx, it.ID, msg, retry); err != nil {
		log.Error("mark failed errored", slog.Int64("item", it.ID), slog.Any("error", err))
	}
}

func isUnavailable(err error) bool {
	return errors.Is(err, domain.ErrUnavailable) || domain.IsConnectionError(err)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
