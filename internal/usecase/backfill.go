package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/docs"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/mailbox"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/tracker"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// TrackerLister lists tracker tasks changed since a point in time.
type TrackerLister interface {
	TasksUpdatedSince(ctx context.Context, since time.Time) ([]tracker.Task, error)
}

// MailboxLister lists mailbox conversations changed since a point in time.
type MailboxLister interface {
	ConversationsUpdatedSince(ctx context.Context, since time.Time) ([]mailbox.Conversation, error)
}

// DocsLister enumerates the whole document space; the docs API has no
// delta endpoint.
type DocsLister interface {
	DocumentList(ctx context.Context) ([]docs.Document, error)
}

// ReconcilerConfig bounds the periodic backfill.
type ReconcilerConfig struct {
	Interval time.Duration
	// Overlap is subtracted from the checkpoint so events that landed while
	// a previous poll was in flight are re-listed. Duplicates are harmless;
	// the upsert is idempotent.
	Overlap time.Duration
	// ProcessAfter optionally floors the first-run window per source.
	ProcessAfter map[domain.Source]time.Time
	// DefaultLookback is the first-run window when no checkpoint and no
	// ProcessAfter exist.
	DefaultLookback time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Overlap <= 0 {
		c.Overlap = 5 * time.Minute
	}
	if c.DefaultLookback <= 0 {
		c.DefaultLookback = 30 * 24 * time.Hour
	}
	return c
}

// Reconciler is the safety net under the webhooks: it periodically lists
// changes from each delta-capable source and enqueues them, so anything a
// missed delivery dropped still converges. Runs are serialized; a poll that
// outlives the interval skips the next tick instead of stacking.
type Reconciler struct {
	queue       domain.Queue
	checkpoints domain.CheckpointRepository
	tracker     TrackerLister
	mailbox     MailboxLister
	cfg         ReconcilerConfig

	mu      sync.Mutex
	running bool
}

func NewReconciler(
	queue domain.Queue,
	checkpoints domain.CheckpointRepository,
	trackerLister TrackerLister,
	mailboxLister MailboxLister,
	cfg ReconcilerConfig,
) *Reconciler {
	return &Reconciler{
		queue:       queue,
		checkpoints: checkpoints,
		tracker:     trackerLister,
		mailbox:     mailboxLister,
		cfg:         cfg.withDefaults(),
	}
}

// Run performs one immediate pass, then polls on the configured interval
// until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	r.RunOnce(ctx)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce polls every enabled source once. Concurrent calls are collapsed.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		slog.Debug("backfill still running, skipping tick")
		return
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.tracker != nil {
		r.pollSource(ctx, domain.SourceTracker, r.pollTracker)
	}
	if r.mailbox != nil {
		r.pollSource(ctx, domain.SourceMailbox, r.pollMailbox)
	}
}

// pollFn lists one source's changes since the given time and enqueues
// them, returning the count and the newest event time seen.
type pollFn func(ctx context.Context, since time.Time) (int, time.Time, error)

func (r *Reconciler) pollSource(ctx context.Context, src domain.Source, poll pollFn) {
	started := time.Now().UTC()
	since, err := r.sinceFor(ctx, src)
	if err != nil {
		slog.Error("backfill cannot read checkpoint", slog.String("source", string(src)), slog.Any("error", err))
		observability.BackfillRunsTotal.WithLabelValues(string(src), "error").Inc()
		return
	}
	count, latest, err := poll(ctx, since)
	if err != nil {
		// Checkpoint untouched so the next run re-lists the same window.
		slog.Error("backfill poll failed", slog.String("source", string(src)), slog.Any("error", err))
		observability.BackfillRunsTotal.WithLabelValues(string(src), "error").Inc()
		return
	}

	checkpoint := started
	if latest.After(checkpoint) {
		checkpoint = latest
	}
	if err := r.checkpoints.Set(ctx, src, checkpoint, nil); err != nil {
		slog.Error("backfill cannot advance checkpoint", slog.String("source", string(src)), slog.Any("error", err))
		observability.BackfillRunsTotal.WithLabelValues(string(src), "error").Inc()
		return
	}
	observability.BackfillRunsTotal.WithLabelValues(string(src), "ok").Inc()
	observability.BackfillRecordsTotal.WithLabelValues(string(src)).Add(float64(count))
	if count > 0 {
		slog.Info("backfill enqueued changes",
			slog.String("source", string(src)),
			slog.Int("count", count),
			slog.Time("since", since))
	}
}

// sinceFor resolves the poll window start: checkpoint minus overlap, or the
// configured floor on first run.
func (r *Reconciler) sinceFor(ctx context.Context, src domain.Source) (time.Time, error) {
	cp, err := r.checkpoints.Get(ctx, src)
	switch {
	case err == nil:
		return cp.LastEventTime.Add(-r.cfg.Overlap), nil
	case errors.Is(err, domain.ErrNotFound):
		if after, ok := r.cfg.ProcessAfter[src]; ok && !after.IsZero() {
			return after, nil
		}
		return time.Now().UTC().Add(-r.cfg.DefaultLookback), nil
	default:
		return time.Time{}, err
	}
}

func (r *Reconciler) pollTracker(ctx context.Context, since time.Time) (int, time.Time, error) {
	tasks, err := r.tracker.TasksUpdatedSince(ctx, since)
	if err != nil {
		return 0, time.Time{}, err
	}
	items := make([]domain.QueueItem, 0, len(tasks))
	var latest time.Time
	for _, t := range tasks {
		items = append(items, domain.QueueItem{
			Source:     domain.SourceTracker,
			EventType:  "backfill",
			ExternalID: fmt.Sprintf("%d", t.ID),
		})
		if ts := parseTimePtr(t.UpdatedAt); ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	if err := r.enqueue(ctx, domain.SourceTracker, items); err != nil {
		return 0, time.Time{}, err
	}
	return len(items), latest, nil
}

func (r *Reconciler) pollMailbox(ctx context.Context, since time.Time) (int, time.Time, error) {
	convs, err := r.mailbox.ConversationsUpdatedSince(ctx, since)
	if err != nil {
		return 0, time.Time{}, err
	}
	items := make([]domain.QueueItem, 0, len(convs))
	var latest time.Time
	for _, conv := range convs {
		items = append(items, domain.QueueItem{
			Source:     domain.SourceMailbox,
			EventType:  "backfill",
			ExternalID: conv.ID,
		})
		if ts := mailbox.UnixToTime(conv.LastActivityAt); ts.After(latest) {
			latest = ts
		}
	}
	if err := r.enqueue(ctx, domain.SourceMailbox, items); err != nil {
		return 0, time.Time{}, err
	}
	return len(items), latest, nil
}

func (r *Reconciler) enqueue(ctx context.Context, src domain.Source, items []domain.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.queue.EnqueueBatch(domain.ContextWithSource(ctx, src), items)
}

// DocsPoller re-enumerates the document space on its own slower cadence
// and enqueues every listed document; the source has no delta endpoint and
// idempotent upserts make full re-processing safe. Deleted documents are
// enqueued too so their soft delete propagates.
type DocsPoller struct {
	queue       domain.Queue
	checkpoints domain.CheckpointRepository
	lister      DocsLister
	cfg         ReconcilerConfig

	mu      sync.Mutex
	running bool
}

func NewDocsPoller(queue domain.Queue, checkpoints domain.CheckpointRepository, lister DocsLister, cfg ReconcilerConfig) *DocsPoller {
	return &DocsPoller{queue: queue, checkpoints: checkpoints, lister: lister, cfg: cfg.withDefaults()}
}

// Run performs one immediate pass, then polls until ctx is canceled.
func (p *DocsPoller) Run(ctx context.Context) {
	p.RunOnce(ctx)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce enumerates the space once. Concurrent calls are collapsed.
func (p *DocsPoller) RunOnce(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	started := time.Now().UTC()
	list, err := p.lister.DocumentList(ctx)
	if err != nil {
		slog.Error("docs poll failed", slog.Any("error", err))
		observability.BackfillRunsTotal.WithLabelValues(string(domain.SourceDocs), "error").Inc()
		return
	}

	var items []domain.QueueItem
	var latest time.Time
	for _, d := range list {
		if modified := parseTimePtr(d.LastModifiedAt); modified != nil && modified.After(latest) {
			latest = *modified
		}
		eventType := "backfill"
		if d.IsDeleted {
			eventType = "backfill.deleted"
		}
		items = append(items, domain.QueueItem{
			Source:     domain.SourceDocs,
			EventType:  eventType,
			ExternalID: d.ID,
		})
	}
	if len(items) > 0 {
		if err := p.queue.EnqueueBatch(domain.ContextWithSource(ctx, domain.SourceDocs), items); err != nil {
			slog.Error("docs poll enqueue failed", slog.Any("error", err))
			observability.BackfillRunsTotal.WithLabelValues(string(domain.SourceDocs), "error").Inc()
			return
		}
	}

	checkpoint := started
	if latest.After(checkpoint) {
		checkpoint = latest
	}
	if err := p.checkpoints.Set(ctx, domain.SourceDocs, checkpoint, nil); err != nil {
		slog.Error("docs poll cannot advance checkpoint", slog.Any("error", err))
		observability.BackfillRunsTotal.WithLabelValues(string(domain.SourceDocs), "error").Inc()
		return
	}
	observability.BackfillRunsTotal.WithLabelValues(string(domain.SourceDocs), "ok").Inc()
	observability.BackfillRecordsTotal.WithLabelValues(string(domain.SourceDocs)).Add(float64(len(items)))
}
