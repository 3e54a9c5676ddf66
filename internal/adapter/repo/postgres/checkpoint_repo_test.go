package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

func TestCheckpointRepo_GetMissingIsNotFound(t *testing.T) {
	t.Parallel()
	r := NewCheckpointRepo(newFakeExecutor())

	_, err := r.Get(context.Background(), domain.SourceTracker)

	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckpointRepo_Get(t *testing.T) {
	t.Parallel()
	last := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	updated := last.Add(time.Hour)
	cursor := "abc"

	ex := newFakeExecutor()
	ex.tx.rowScan = func(_ string, args []any) fakeRow {
		assert.Equal(t, []any{domain.SourceMailbox}, args)
		return fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*string)) = "mailbox"
			*(dest[1].(*time.Time)) = last
			*(dest[2].(**string)) = &cursor
			*(dest[3].(*time.Time)) = updated
			return nil
		}}
	}
	r := NewCheckpointRepo(ex)

	cp, err := r.Get(context.Background(), domain.SourceMailbox)

	require.NoError(t, err)
	assert.Equal(t, domain.SourceMailbox, cp.Source)
	assert.Equal(t, last, cp.LastEventTime)
	require.NotNil(t, cp.LastCursor)
	assert.Equal(t, "abc", *cp.LastCursor)
}

func TestCheckpointRepo_SetNormalizesToUTC(t *testing.T) {
	t.Parallel()
	ex := newFakeExecutor()
	r := NewCheckpointRepo(ex)
	loc := time.FixedZone("CEST", 2*3600)
	local := time.Date(2025, 6, 1, 14, 0, 0, 0, loc)

	require.NoError(t, r.Set(context.Background(), domain.SourceTracker, local, nil))

	require.Len(t, ex.tx.execs, 1)
	args := ex.tx.execs[0].args
	assert.Equal(t, domain.SourceTracker, args[0])
	stored, ok := args[1].(time.Time)
	require.True(t, ok)
	assert.Equal(t, time.UTC, stored.Location())
	assert.True(t, stored.Equal(local))
}
