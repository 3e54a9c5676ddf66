package postgres

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRow implements pgx.Row with a scripted Scan.
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeRows serves scripted result sets. Values are assigned to Scan
// destinations by reflection so tests stay declarative.
type fakeRows struct {
	pgx.Rows
	data [][]any
	idx  int
	err  error
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.data)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: %d != %d", len(dest), len(row))
	}
	for i, v := range row {
		target := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(v))
	}
	return nil
}

func (r *fakeRows) Err() error { return r.err }
func (r *fakeRows) Close()     {}

type sqlCall struct {
	sql  string
	args []any
}

// fakeTx records statements and serves scripted rows. Unscripted pgx.Tx
// methods panic through the embedded nil interface, which is fine: a repo
// reaching for them is a test failure anyway.
type fakeTx struct {
	pgx.Tx
	execs   []sqlCall
	queries []sqlCall

	execErr error
	rowScan func(sql string, args []any) fakeRow
	queryFn func(sql string, args []any) (pgx.Rows, error)
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sqlCall{sql: sql, args: args})
	return pgconn.CommandTag{}, t.execErr
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	t.queries = append(t.queries, sqlCall{sql: sql, args: args})
	if t.rowScan == nil {
		return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
	}
	return t.rowScan(sql, args)
}

func (t *fakeTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.queries = append(t.queries, sqlCall{sql: sql, args: args})
	if t.queryFn == nil {
		return &fakeRows{}, nil
	}
	return t.queryFn(sql, args)
}

func (t *fakeTx) Commit(context.Context) error   { return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

// fakeExecutor mimics Session.Execute: it runs fn against the fake tx and
// wraps errors with the operation name.
type fakeExecutor struct {
	tx  *fakeTx
	err error
	ops []string
}

func newFakeExecutor() *fakeExecutor { return &fakeExecutor{tx: &fakeTx{}} }

func (e *fakeExecutor) Execute(_ context.Context, name string, fn func(pgx.Tx) error) error {
	e.ops = append(e.ops, name)
	if e.err != nil {
		return fmt.Errorf("op=%s: %w", name, e.err)
	}
	if err := fn(e.tx); err != nil {
		return fmt.Errorf("op=%s: %w", name, err)
	}
	return nil
}

// fakePool implements PgxPool for session tests. BeginTx hands out a plain
// committing tx; the behavior under test lives in the fn the test passes to
// Execute.
type fakePool struct {
	pingErr  error
	beginErr error
	begins   int
}

func (p *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (p *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
}

func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{}, nil
}

func (p *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	p.begins++
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return &fakeTx{}, nil
}

func (p *fakePool) Ping(context.Context) error { return p.pingErr }
