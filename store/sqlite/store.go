package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // register the sqlite driver

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

// Store is a SQLite implementation of the full store contract, built
// on database/sql with the modernc.org/sqlite driver (no cgo).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (or creates) a SQLite database at path and prepares the
// schema. Use ":memory:" for an ephemeral database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: open %s: %w", path, err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing *sql.DB. The caller owns the connection
// lifecycle; Close becomes a no-op. The schema must already exist or
// be created via Migrate.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── time encoding ──
//
// Timestamps are stored as RFC 3339 strings in UTC; NULL maps to a nil
// *time.Time.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
