// Package postgres provides Postgres-backed persistence for capture jobs,
// archives, and webhook subscriptions. Reservation relies on row locking with
// SKIP LOCKED; all queue timing uses the database clock so the reaper cutoff
// is consistent across workers.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool the stores use. pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles the job, archive, and subscription stores over one pool.
type Store struct {
	db DB

	Jobs          *JobStore
	Archives      *ArchiveStore
	Subscriptions *SubscriptionStore
}

// New wraps an existing connection handle.
func New(db DB) *Store {
	return &Store{
		db:            db,
		Jobs:          &JobStore{db: db},
		Archives:      &ArchiveStore{db: db},
		Subscriptions: &SubscriptionStore{db: db},
	}
}

// Connect creates a pool, verifies the connection, and returns a Store. The
// caller owns the pool's lifetime.
func Connect(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), pool, nil
}
