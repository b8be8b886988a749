// Package postgres provides PostgreSQL database adapters.
//
// It implements the repository ports declared in internal/domain on top of a
// minimal pgx pool interface, with embedded goose migrations and a retention
// cleanup service.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is a subset of pgxpool.Pool used by repositories (for testability).
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// uniqueViolation is the Postgres error code for unique constraint conflicts.
const uniqueViolation = "23505"
