package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Context aliases context.Context for brevity across this package's method
// signatures, matching the convention internal/domain sets.
type Context = context.Context

// PgxPool is the minimal subset of *pgxpool.Pool the repo adapters drive,
// narrowed to an interface so tests can substitute a fake pool instead of
// standing up a real database.
type PgxPool interface {
	Exec(ctx Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx Context, sql string, args ...any) pgx.Row
	Query(ctx Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx Context, opts pgx.TxOptions) (pgx.Tx, error)
}
