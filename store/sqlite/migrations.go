package sqlite

import (
	"context"
	"fmt"
)

// schema is idempotent: every statement is IF NOT EXISTS, so migrate
// can run on every open.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS rewind_events (
		run_id     TEXT    NOT NULL,
		sequence   INTEGER NOT NULL,
		id         TEXT    NOT NULL,
		type       TEXT    NOT NULL,
		timestamp  TEXT    NOT NULL,
		data       TEXT,
		PRIMARY KEY (run_id, sequence)
	)`,

	`CREATE TABLE IF NOT EXISTS rewind_runs (
		id                    TEXT PRIMARY KEY,
		workflow              TEXT NOT NULL,
		status                TEXT NOT NULL DEFAULT 'pending',
		input                 BLOB,
		result                BLOB,
		error                 TEXT NOT NULL DEFAULT '',
		idempotency_key       TEXT NOT NULL DEFAULT '',
		max_duration          INTEGER NOT NULL DEFAULT 0,
		metadata              TEXT,
		recovery_attempts     INTEGER NOT NULL DEFAULT 0,
		max_recovery_attempts INTEGER NOT NULL DEFAULT 0,
		parent_run_id         TEXT,
		nesting_depth         INTEGER NOT NULL DEFAULT 0,
		started_at            TEXT,
		completed_at          TEXT,
		wake_at               TEXT,
		created_at            TEXT NOT NULL,
		updated_at            TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_rewind_runs_idempotency
		ON rewind_runs (workflow, idempotency_key)
		WHERE idempotency_key != ''`,
	`CREATE INDEX IF NOT EXISTS idx_rewind_runs_status
		ON rewind_runs (status, workflow)`,

	`CREATE TABLE IF NOT EXISTS rewind_steps (
		run_id       TEXT NOT NULL,
		step_id      TEXT NOT NULL,
		name         TEXT NOT NULL,
		status       TEXT NOT NULL,
		input        BLOB,
		result       BLOB,
		error        TEXT NOT NULL DEFAULT '',
		attempt      INTEGER NOT NULL DEFAULT 0,
		max_retries  INTEGER NOT NULL DEFAULT 0,
		started_at   TEXT NOT NULL,
		completed_at TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (run_id, step_id)
	)`,

	`CREATE TABLE IF NOT EXISTS rewind_hooks (
		token       TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL,
		hook_id     TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'pending',
		payload     BLOB,
		expires_at  TEXT,
		received_at TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rewind_hooks_run
		ON rewind_hooks (run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_rewind_hooks_expiry
		ON rewind_hooks (status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS rewind_cancellations (
		run_id TEXT PRIMARY KEY
	)`,

	`CREATE TABLE IF NOT EXISTS rewind_tasks (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		run_id       TEXT NOT NULL,
		queue        TEXT NOT NULL DEFAULT 'default',
		state        TEXT NOT NULL DEFAULT 'pending',
		priority     INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		worker_id    TEXT NOT NULL DEFAULT '',
		run_at       TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT,
		heartbeat_at TEXT,
		timeout      INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rewind_tasks_dequeue
		ON rewind_tasks (state, queue, run_at, priority)`,
	`CREATE INDEX IF NOT EXISTS idx_rewind_tasks_run
		ON rewind_tasks (run_id)`,

	`CREATE TABLE IF NOT EXISTS rewind_workers (
		id           TEXT PRIMARY KEY,
		hostname     TEXT NOT NULL DEFAULT '',
		queues       TEXT NOT NULL DEFAULT '[]',
		concurrency  INTEGER NOT NULL DEFAULT 0,
		started_at   TEXT NOT NULL,
		heartbeat_at TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rewind/sqlite: migrate: %w", err)
		}
	}
	return nil
}
