package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/worker"
	"github.com/QualityUnit/rewind/workflow"
)

// Compile-time checks per subsystem; the combined store.Store interface
// can't be asserted here without an import cycle.
var (
	_ event.Store    = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
	_ task.Store     = (*Store)(nil)
	_ worker.Store   = (*Store)(nil)
)

// Store is a PostgreSQL implementation of the full store contract,
// built on pgx. It is the production backend: task claiming uses
// FOR UPDATE SKIP LOCKED and event sequencing uses per-run advisory
// locks, so any number of workers can share one database.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps an existing connection pool. The caller owns the pool
// lifecycle unless Close is used.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool from a connection string and prepares the
// schema.
func Connect(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: connect: %w", err)
	}
	s := New(pool, opts...)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool returns the underlying pool for advanced usage.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
