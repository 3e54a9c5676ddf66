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

func TestEmailRepo_UpsertReplacesAttachments(t *testing.T) {
	t.Parallel()
	ex := newFakeExecutor()
	r := NewEmailRepo(ex)

	sentAt := time.Now().UTC()
	email := domain.Email{
		EmailID:     "m1",
		ThreadID:    "c1",
		Subject:     "Weekly update",
		FromAddress: "ada@example.com",
		SentAt:      &sentAt,
		Attachments: []domain.Attachment{
			{AttachmentID: "a1", Filename: "report.pdf", ContentType: "application/pdf", SizeBytes: 1024},
		},
	}
	require.NoError(t, r.Upsert(context.Background(), email))

	var stmts []string
	for _, c := range ex.tx.execs {
		stmts = append(stmts, c.sql)
	}
	joined := strings.Join(stmts, "\n")
	assert.Contains(t, joined, "INSERT INTO emails")
	assert.Contains(t, joined, "DELETE FROM attachments")
	assert.Contains(t, joined, "INSERT INTO attachments")
}

func TestEmailRepo_UpsertRejectsWrongRecordType(t *testing.T) {
	t.Parallel()
	r := NewEmailRepo(newFakeExecutor())
	err := r.Upsert(context.Background(), domain.Task{TaskID: "7"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEmailRepo_MarkDeletedMatchesThread(t *testing.T) {
	t.Parallel()
	ex := newFakeExecutor()
	r := NewEmailRepo(ex)
	at := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, r.MarkDeleted(context.Background(), "c1", at))

	require.Len(t, ex.tx.execs, 1)
	// Queue items carry conversation ids, so the soft delete must cover the
	// whole thread.
	assert.Contains(t, ex.tx.execs[0].sql, "email_id = $1 OR thread_id = $1")
	assert.Equal(t, []any{"c1", at}, ex.tx.execs[0].args)
}
