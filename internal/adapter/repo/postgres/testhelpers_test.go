package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows with scripted per-row scan functions.
type rowsStub struct {
	idx   int
	scans []func(dest ...any) error
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool                                   { return r.idx < len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error {
	scan := r.scans[r.idx]
	r.idx++
	return scan(dest...)
}
func (r *rowsStub) Values() ([]any, error) { return nil, nil }
func (r *rowsStub) RawValues() [][]byte    { return nil }
func (r *rowsStub) Conn() *pgx.Conn        { return nil }

// poolStub implements PgxPool for tests. Exec pops tags from execTags (or
// reports one affected row), QueryRow pops rows from rowQueue (or reports
// pgx.ErrNoRows).
type poolStub struct {
	execTags []pgconn.CommandTag
	execErr  error
	execSQL  []string
	execArgs [][]any
	rowQueue []pgx.Row
	rows     pgx.Rows
	queryErr error
	tx       pgx.Tx
	beginErr error
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	tag := pgconn.NewCommandTag("UPDATE 1")
	if len(p.execTags) > 0 {
		tag = p.execTags[0]
		p.execTags = p.execTags[1:]
	}
	return tag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if len(p.rowQueue) > 0 {
		row := p.rowQueue[0]
		p.rowQueue = p.rowQueue[1:]
		return row
	}
	return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows != nil {
		return p.rows, nil
	}
	return &rowsStub{}, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

// txStub implements pgx.Tx for the transactional repos.
type txStub struct {
	execSQL    []string
	execErr    error
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(_ context.Context) error {
	t.committed = true
	return nil
}
func (t *txStub) Rollback(_ context.Context) error {
	t.rolledBack = true
	return nil
}
func (t *txStub) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *txStub) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *txStub) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *txStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	return pgconn.NewCommandTag("DELETE 1"), t.execErr
}
func (t *txStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return &rowsStub{}, nil
}
func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
}
func (t *txStub) Conn() *pgx.Conn { return nil }
