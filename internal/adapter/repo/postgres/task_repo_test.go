package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

func TestTaskRepo_UpsertWritesLinks(t *testing.T) {
	t.Parallel()
	ex := newFakeExecutor()
	r := NewTaskRepo(ex)

	task := domain.Task{
		TaskID:    "7",
		Title:     "Ship the thing",
		Status:    "active",
		UpdatedAt: time.Now().UTC(),
		TagLinks:  []domain.TagRef{{ID: 31, Name: "urgent", Color: "#f00"}},
		AssigneeLinks: []domain.UserRef{
			{ID: 12, FirstName: "Ada", LastName: "Lovelace"},
		},
	}
	require.NoError(t, r.Upsert(context.Background(), task))

	assert.Equal(t, []string{"task.upsert"}, ex.ops)
	var stmts []string
	for _, c := range ex.tx.execs {
		stmts = append(stmts, c.sql)
	}
	joined := strings.Join(stmts, "\n")
	assert.Contains(t, joined, "INSERT INTO tasks")
	assert.Contains(t, joined, "INSERT INTO tags")
	assert.Contains(t, joined, "DELETE FROM task_tags")
	assert.Contains(t, joined, "INSERT INTO task_tags")
	assert.Contains(t, joined, "INSERT INTO users")
	assert.Contains(t, joined, "INSERT INTO task_assignees")
}

func TestTaskRepo_UpsertRejectsWrongRecordType(t *testing.T) {
	t.Parallel()
	r := NewTaskRepo(newFakeExecutor())
	err := r.Upsert(context.Background(), domain.Email{EmailID: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTaskRepo_UpsertBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()
	ex := newFakeExecutor()
	r := NewTaskRepo(ex)
	require.NoError(t, r.UpsertBatch(context.Background(), nil))
	assert.Empty(t, ex.ops)
}

func TestTaskRepo_MarkDeleted(t *testing.T) {
	t.Parallel()
	ex := newFakeExecutor()
	r := NewTaskRepo(ex)
	at := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, r.MarkDeleted(context.Background(), "7", at))

	require.Len(t, ex.tx.execs, 1)
	assert.Contains(t, ex.tx.execs[0].sql, "SET deleted = TRUE")
	assert.Equal(t, []any{"7", at}, ex.tx.execs[0].args)
}
