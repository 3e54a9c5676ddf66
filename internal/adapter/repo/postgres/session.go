package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the session for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Executor runs one data operation inside a resilient transaction. Repos
// depend on this instead of the pool so the retry policy lives in one place.
type Executor interface {
	Execute(ctx context.Context, name string, fn func(pgx.Tx) error) error
}

// SessionConfig bounds the session's retry behavior.
type SessionConfig struct {
	OperationRetries  int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.OperationRetries < 0 {
		c.OperationRetries = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	return c
}

// Session owns the single logical pool and is the only mutation point for
// connection state. Callers never hold a connection handle across calls;
// every operation goes through Execute.
type Session struct {
	pool PgxPool
	cfg  SessionConfig

	// mu serializes reconnect probes so concurrent failures do not stampede.
	mu sync.Mutex
}

// NewSession wraps a pool with the resilience policy.
func NewSession(pool PgxPool, cfg SessionConfig) *Session {
	return &Session{pool: pool, cfg: cfg.withDefaults()}
}

// EnsureConnected blocks until the database answers a liveness probe,
// retrying with exponential backoff. It returns early only when ctx is done.
func (s *Session) EnsureConnected(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectDelay
	bo.MaxInterval = s.cfg.MaxReconnectDelay
	bo.MaxElapsedTime = 0 // retry until connected or canceled

	op := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.pool.Ping(ctx); err != nil {
			slog.Warn("database unavailable, waiting to reconnect", slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=session.ensure_connected: %w", err)
	}
	return nil
}

// IsConnected reports whether the database currently answers a liveness
// probe. Used by the health endpoint and the supervisor; never blocks for
// longer than the probe timeout.
func (s *Session) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}

// Execute runs fn inside a transaction. Classified connection errors roll
// back and retry up to OperationRetries times with doubling delay; anything
// else rolls back and surfaces immediately.
func (s *Session) Execute(ctx context.Context, name string, fn func(pgx.Tx) error) error {
	delay := s.cfg.ReconnectDelay
	var lastErr error
	for attempt := 0; attempt <= s.cfg.OperationRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsConnectionError(err) {
			return fmt.Errorf("op=%s: %w", name, err)
		}
		lastErr = err
		if attempt == s.cfg.OperationRetries {
			break
		}
		slog.Warn("database operation hit connection error, retrying",
			slog.String("op", name),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=%s: %w", name, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
	return fmt.Errorf("op=%s: %w: %w", name, domain.ErrUnavailable, lastErr)
}

func (s *Session) runTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsConnectionError extends the domain classifier with driver-typed checks.
// Server errors (constraint violations and friends) are application errors;
// everything transport-shaped is a connection error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// SQLSTATE class 08 is connection exception; 57P0x covers server
		// shutdown ("terminating connection due to administrator command").
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	return domain.IsConnectionError(err)
}
