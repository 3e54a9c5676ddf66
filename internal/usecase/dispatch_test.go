package usecase

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

type fakeQueue struct {
	domain.Queue
	completed []int64
	failed    map[int64]string
	retried   map[int64]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{failed: map[int64]string{}, retried: map[int64]bool{}}
}

func (q *fakeQueue) MarkCompleted(_ domain.Context, id int64, _ time.Duration) error {
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) MarkFailed(_ domain.Context, id int64, msg string, retry bool) error {
	q.failed[id] = msg
	q.retried[id] = retry
	return nil
}

type fakeNormalizer struct {
	results map[string]domain.NormalizeResult
	errs    map[string]error
}

func (n *fakeNormalizer) Process(_ domain.Context, _, externalID string) (domain.NormalizeResult, error) {
	if err, ok := n.errs[externalID]; ok {
		return domain.NormalizeResult{}, err
	}
	return n.results[externalID], nil
}

type fakeStore struct {
	upserted    []domain.Record
	deleted     []string
	batchErr    error
	upsertErrBy map[string]error
}

func (s *fakeStore) UpsertBatch(_ domain.Context, recs []domain.Record) error {
	if s.batchErr != nil {
		return s.batchErr
	}
	s.upserted = append(s.upserted, recs...)
	return nil
}

func (s *fakeStore) Upsert(_ domain.Context, rec domain.Record) error {
	if err := s.upsertErrBy[rec.RecordID()]; err != nil {
		return err
	}
	s.upserted = append(s.upserted, rec)
	return nil
}

func (s *fakeStore) MarkDeleted(_ domain.Context, externalID string, _ time.Time) error {
	s.deleted = append(s.deleted, externalID)
	return nil
}

func testDispatcher(q *fakeQueue, n domain.Normalizer, s domain.RecordStore) *Dispatcher {
	return NewDispatcher(
		q,
		map[domain.Source]domain.Normalizer{domain.SourceTracker: n},
		map[domain.Source]domain.RecordStore{domain.SourceTracker: s},
		func(context.Context) bool { return true },
		DispatcherConfig{},
	)
}

func item(id int64, externalID string) domain.QueueItem {
	return domain.QueueItem{ID: id, Source: domain.SourceTracker, EventType: "task.updated", ExternalID: externalID}
}

func TestDispatcher_BatchUpsertAcksAll(t *testing.T) {
	t.Parallel()
	q := newFakeQueue()
	store := &fakeStore{}
	norm := &fakeNormalizer{results: map[string]domain.NormalizeResult{
		"1": domain.RecordsResult(domain.Task{TaskID: "1"}),
		"2": domain.RecordsResult(domain.Task{TaskID: "2"}),
	}}
	d := testDispatcher(q, norm, store)

	d.processGroup(context.Background(), slog.Default(), domain.SourceTracker, []domain.QueueItem{item(10, "1"), item(11, "2")})

	assert.ElementsMatch(t, []int64{10, 11}, q.completed)
	assert.Len(t, store.upserted, 2)
	assert.Empty(t, q.failed)
}

func TestDispatcher_SkipAcksWithoutStore(t *testing.T) {
	t.Parallel()
	q := newFakeQueue()
	store := &fakeStore{}
	norm := &fakeNormalizer{results: map[string]domain.NormalizeResult{"1": domain.SkipResult()}}
	d := testDispatcher(q, norm, store)

	d.processGroup(context.Background(), slog.Default(), domain.SourceTracker, []domain.QueueItem{item(10, "1")})

	assert.Equal(t, []int64{10}, q.completed)
	assert.Empty(t, store.upserted)
}

func TestDispatcher_DeleteMarksAndAcks(t *testing.T) {
	t.Parallel()
	q := newFakeQueue()
	store := &fakeStore{}
	norm := &fakeNormalizer{results: map[string]domain.NormalizeResult{"1": domain.DeleteResult()}}
	d := testDispatcher(q, norm, store)

	d.processGroup(context.Background(), slog.Default(), domain.SourceTracker, []domain.QueueItem{item(10, "1")})

	assert.Equal(t, []string{"1"}, store.deleted)
	assert.Equal(t, []int64{10}, q.completed)
}

func TestDispatcher_NormalizeErrorFailsWithRetry(t *testing.T) {
	t.Parallel()
	q := newFakeQueue()
	store := &fakeStore{}
	norm := &fakeNormalizer{errs: map[string]error{"1": errors.New("api down")}}
	d := testDispatcher(q, norm, store)

	d.processGroup(context.Background(), slog.Default(), domain.SourceTracker, []domain.QueueItem{item(10, "1")})

	assert.Empty(t, q.completed)
	assert.Contains(t, q.failed[10], "api down")
	assert.True(t, q.retried[10])
}

func TestDispatcher_UnavailableStoreLeavesItemsLeased(t *testing.T) {
	t.Parallel()
	q := newFakeQueue()
	store := &fakeStore{batchErr: domain.ErrUnavailable}
	norm := &fakeNormalizer{results: map[string]domain.NormalizeResult{
		"1": domain.RecordsResult(domain.Task{TaskID: "1"}),
	}}
	d := testDispatcher(q, norm, store)

	d.processGroup(context.Background(), slog.Default(), domain.SourceTracker, []domain.QueueItem{item(10, "1")})

	assert.Empty(t, q.completed, "items stay leased during an outage")
	assert.Empty(t, q.failed)
}

func TestDispatcher_PoisonRecordFallsBackPerItem(t *testing.T) {
	t.Parallel()
	q := newFakeQueue()
	store := &fakeStore{
		batchErr:    errors.New("value too long"),
		upsertErrBy: map[string]error{"2": errors.New("value too long")},
	}
	norm := &fakeNormalizer{results: map[string]domain.NormalizeResult{
		"1": domain.RecordsResult(domain.Task{TaskID: "1"}),
		"2": domain.RecordsResult(domain.Task{TaskID: "2"}),
		"3": domain.RecordsResult(domain.Task{TaskID: "3"}),
	}}
	d := testDispatcher(q, norm, store)

	d.processGroup(context.Background(), slog.Default(), domain.SourceTracker,
		[]domain.QueueItem{item(10, "1"), item(11, "2"), item(12, "3")})

	assert.ElementsMatch(t, []int64{10, 12}, q.completed, "healthy items still land")
	require.Contains(t, q.failed, int64(11))
	assert.True(t, q.retried[11])
	assert.Len(t, store.upserted, 2)
}

func TestDispatcher_UnknownSourceFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	q := newFakeQueue()
	d := NewDispatcher(q, map[domain.Source]domain.Normalizer{}, map[domain.Source]domain.RecordStore{},
		func(context.Context) bool { return true }, DispatcherConfig{})

	d.processGroup(context.Background(), slog.Default(), domain.SourceTracker, []domain.QueueItem{item(10, "1")})

	require.Contains(t, q.failed, int64(10))
	assert.False(t, q.retried[10])
}
