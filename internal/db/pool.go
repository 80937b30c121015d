// Package db provides shared PostgreSQL helpers for the document store:
// the pool abstraction plus bulk copy and upsert used by batch ingest.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it,
// which keeps the postgres paths testable without a live database.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
}

// TxBeginner starts transactions. Split from Pool so helpers that need a
// transaction declare it explicitly.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
