package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// queueFunctionsSQL installs the server-side queue operations. Leasing has
// to be atomic under concurrent workers, so the logic lives in the database
// rather than in Go. Tables are provisioned separately (see deploy/schema.sql);
// the functions are owned by this service and re-applied on every startup.
const queueFunctionsSQL = `
CREATE OR REPLACE FUNCTION queue_dequeue(p_worker_id text, p_max_items integer, p_source text DEFAULT NULL)
RETURNS TABLE (id bigint, source text, event_type text, external_id text, payload jsonb, retry_count integer)
LANGUAGE plpgsql AS $$
BEGIN
    RETURN QUERY
    UPDATE queue_items q
    SET status = 'processing', claimed_by = p_worker_id, claimed_at = now()
    FROM (
        SELECT qi.id
        FROM queue_items qi
        WHERE qi.status = 'pending'
          AND qi.next_retry_at <= now()
          AND (p_source IS NULL OR qi.source = p_source)
        ORDER BY qi.next_retry_at ASC, qi.id ASC
        LIMIT p_max_items
        FOR UPDATE SKIP LOCKED
    ) picked
    WHERE q.id = picked.id
    RETURNING q.id, q.source, q.event_type, q.external_id, q.payload, q.retry_count;
END;
$$;

CREATE OR REPLACE FUNCTION queue_mark_completed(p_id bigint, p_processing_time_ms bigint DEFAULT NULL)
RETURNS void LANGUAGE sql AS $$
    UPDATE queue_items
    SET status = 'completed',
        completed_at = now(),
        processing_time_ms = COALESCE(p_processing_time_ms, processing_time_ms)
    WHERE id = p_id AND status <> 'completed';
$$;

CREATE OR REPLACE FUNCTION queue_mark_failed(
    p_id bigint,
    p_error text,
    p_retry boolean,
    p_max_attempts integer,
    p_base_seconds double precision,
    p_cap_seconds double precision)
RETURNS text LANGUAGE plpgsql AS $$
DECLARE
    v_retry_count integer;
    v_delay double precision;
    v_status text;
BEGIN
    SELECT qi.retry_count INTO v_retry_count FROM queue_items qi WHERE qi.id = p_id FOR UPDATE;
    IF NOT FOUND THEN
        RETURN NULL;
    END IF;
    IF p_retry AND v_retry_count + 1 < p_max_attempts THEN
        v_delay := LEAST(p_base_seconds * power(2, v_retry_count + 1) + random() * p_base_seconds, p_cap_seconds);
        UPDATE queue_items
        SET status = 'pending',
            retry_count = v_retry_count + 1,
            next_retry_at = now() + make_interval(secs => v_delay),
            last_error = p_error,
            claimed_by = NULL,
            claimed_at = NULL
        WHERE queue_items.id = p_id;
        v_status := 'pending';
    ELSIF p_retry THEN
        UPDATE queue_items
        SET status = 'dead_letter',
            retry_count = v_retry_count + 1,
            last_error = p_error,
            claimed_by = NULL,
            claimed_at = NULL
        WHERE queue_items.id = p_id;
        v_status := 'dead_letter';
    ELSE
        UPDATE queue_items
        SET status = 'failed',
            last_error = p_error,
            claimed_by = NULL,
            claimed_at = NULL
        WHERE queue_items.id = p_id;
        v_status := 'failed';
    END IF;
    RETURN v_status;
END;
$$;

CREATE OR REPLACE FUNCTION queue_reset_stuck(p_threshold_minutes integer)
RETURNS integer LANGUAGE plpgsql AS $$
DECLARE
    v_count integer;
BEGIN
    UPDATE queue_items
    SET status = 'pending',
        claimed_by = NULL,
        claimed_at = NULL,
        next_retry_at = now()
    WHERE status = 'processing'
      AND claimed_at < now() - make_interval(mins => p_threshold_minutes);
    GET DIAGNOSTICS v_count = ROW_COUNT;
    RETURN v_count;
END;
$$;

CREATE OR REPLACE FUNCTION queue_cleanup_completed(p_retention_days integer)
RETURNS integer LANGUAGE plpgsql AS $$
DECLARE
    v_count integer;
BEGIN
    DELETE FROM queue_items
    WHERE status = 'completed'
      AND completed_at < now() - make_interval(days => p_retention_days);
    GET DIAGNOSTICS v_count = ROW_COUNT;
    RETURN v_count;
END;
$$;

CREATE OR REPLACE VIEW queue_health AS
SELECT source,
       COUNT(*) FILTER (WHERE status = 'pending')     AS pending_count,
       COUNT(*) FILTER (WHERE status = 'processing')  AS processing_count,
       COUNT(*) FILTER (WHERE status = 'failed')      AS failed_count,
       COUNT(*) FILTER (WHERE status = 'dead_letter') AS dead_letter_count,
       AVG(processing_time_ms) FILTER (WHERE status = 'completed') AS avg_processing_time_ms,
       COUNT(*) FILTER (WHERE status = 'processing' AND claimed_at < now() - interval '30 minutes') AS stuck_items
FROM queue_items
GROUP BY source;
`

// EnsureQueueSchema verifies the queue table is reachable and installs the
// queue functions and health view. Safe to call repeatedly.
func EnsureQueueSchema(ctx context.Context, ex Executor) error {
	err := ex.Execute(ctx, "queue.ensure_schema", func(tx pgx.Tx) error {
		var one int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM queue_items LIMIT 1`).Scan(&one); err != nil && err != pgx.ErrNoRows {
			return fmt.Errorf("queue_items unreachable: %w", err)
		}
		if _, err := tx.Exec(ctx, queueFunctionsSQL); err != nil {
			return fmt.Errorf("install queue functions: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=queue.ensure_schema: %w", err)
	}
	return nil
}
