package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// TaskRepo persists normalized tracker tasks plus the tag/assignee entity
// tables and their many-to-many links. Upserts are idempotent keyed by the
// remote task id; re-processing the same remote state is a no-op.
type TaskRepo struct {
	ex Executor
}

// NewTaskRepo constructs a TaskRepo.
func NewTaskRepo(ex Executor) *TaskRepo { return &TaskRepo{ex: ex} }

// UpsertBatch writes a batch of tasks in one transaction. A failure rolls
// back the whole batch; the dispatcher falls back to per-item upserts.
func (r *TaskRepo) UpsertBatch(ctx domain.Context, recs []domain.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpsertBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("tasks.batch_size", len(recs)))
	return r.ex.Execute(ctx, "task.upsert_batch", func(tx pgx.Tx) error {
		for _, rec := range recs {
			t, ok := rec.(domain.Task)
			if !ok {
				return fmt.Errorf("%w: task store got %T", domain.ErrInvalidArgument, rec)
			}
			if err := upsertTaskTx(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// Upsert writes a single task in its own transaction.
func (r *TaskRepo) Upsert(ctx domain.Context, rec domain.Record) error {
	t, ok := rec.(domain.Task)
	if !ok {
		return fmt.Errorf("op=task.upsert: %w: got %T", domain.ErrInvalidArgument, rec)
	}
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", t.TaskID))
	return r.ex.Execute(ctx, "task.upsert", func(tx pgx.Tx) error {
		return upsertTaskTx(ctx, tx, t)
	})
}

// MarkDeleted soft-deletes a task by remote id. Idempotent; unknown ids are
// a no-op because a delete webhook can outrun the first upsert.
func (r *TaskRepo) MarkDeleted(ctx domain.Context, externalID string, at time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkDeleted")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", externalID))
	return r.ex.Execute(ctx, "task.mark_deleted", func(tx pgx.Tx) error {
		q := `UPDATE tasks SET deleted = TRUE, deleted_at = $2 WHERE task_id = $1 AND NOT deleted`
		_, err := tx.Exec(ctx, q, externalID, at.UTC())
		return err
	})
}

func upsertTaskTx(ctx domain.Context, tx pgx.Tx, t domain.Task) error {
	q := `INSERT INTO tasks (
	        task_id, project_id, project_name, tasklist_id, tasklist_name,
	        title, description, status, priority, progress, tags, assignees,
	        created_by, updated_by, due_at, updated_at, deleted, deleted_at,
	        source_links, raw_data, created_at
	      ) VALUES (
	        $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
	        $13, $14, $15, $16, $17, $18, $19, $20, now()
	      )
	      ON CONFLICT (task_id) DO UPDATE SET
	          project_id = EXCLUDED.project_id,
	          project_name = EXCLUDED.project_name,
	          tasklist_id = EXCLUDED.tasklist_id,
	          tasklist_name = EXCLUDED.tasklist_name,
	          title = EXCLUDED.title,
	          description = EXCLUDED.description,
	          status = EXCLUDED.status,
	          priority = EXCLUDED.priority,
	          progress = EXCLUDED.progress,
	          tags = EXCLUDED.tags,
	          assignees = EXCLUDED.assignees,
	          created_by = EXCLUDED.created_by,
	          updated_by = EXCLUDED.updated_by,
	          due_at = EXCLUDED.due_at,
	          updated_at = EXCLUDED.updated_at,
	          deleted = EXCLUDED.deleted,
	          deleted_at = EXCLUDED.deleted_at,
	          source_links = EXCLUDED.source_links,
	          raw_data = EXCLUDED.raw_data,
	          db_updated_at = now()`
	_, err := tx.Exec(ctx, q,
		t.TaskID, nullStr(t.ProjectID), nullStr(t.ProjectName), nullStr(t.TasklistID), nullStr(t.TasklistName),
		t.Title, t.Description, t.Status, t.Priority, t.Progress, t.Tags, t.Assignees,
		t.CreatedBy, t.UpdatedBy, t.DueAt, t.UpdatedAt.UTC(), t.Deleted, t.DeletedAt,
		mapJSON(t.SourceLinks), rawJSON(t.Raw),
	)
	if err != nil {
		return err
	}
	if err := linkTaskTags(ctx, tx, t.TaskID, t.TagLinks); err != nil {
		return err
	}
	return linkTaskAssignees(ctx, tx, t.TaskID, t.AssigneeLinks)
}

// linkTaskTags refreshes the task_tags links. Delete-then-insert keeps the
// operation idempotent under retries and reorders.
func linkTaskTags(ctx domain.Context, tx pgx.Tx, taskID string, tags []domain.TagRef) error {
	for _, tag := range tags {
		q := `INSERT INTO tags (id, name, color)
		      VALUES ($1, $2, $3)
		      ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, color = EXCLUDED.color`
		if _, err := tx.Exec(ctx, q, tag.ID, tag.Name, tag.Color); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM task_tags WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	for _, tag := range tags {
		q := `INSERT INTO task_tags (task_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
		if _, err := tx.Exec(ctx, q, taskID, tag.ID); err != nil {
			return err
		}
	}
	return nil
}

// linkTaskAssignees refreshes the task_assignees links, same shape as tags.
func linkTaskAssignees(ctx domain.Context, tx pgx.Tx, taskID string, users []domain.UserRef) error {
	for _, u := range users {
		q := `INSERT INTO users (id, first_name, last_name)
		      VALUES ($1, $2, $3)
		      ON CONFLICT (id) DO UPDATE SET first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name`
		if _, err := tx.Exec(ctx, q, u.ID, u.FirstName, u.LastName); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM task_assignees WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	for _, u := range users {
		q := `INSERT INTO task_assignees (task_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
		if _, err := tx.Exec(ctx, q, taskID, u.ID); err != nil {
			return err
		}
	}
	return nil
}
