package postgres

import (
	"context"
	"fmt"
)

// schema is idempotent: every statement is IF NOT EXISTS, so Migrate
// can run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS rewind_events (
		run_id     TEXT        NOT NULL,
		sequence   BIGINT      NOT NULL,
		id         TEXT        NOT NULL,
		type       TEXT        NOT NULL,
		timestamp  TIMESTAMPTZ NOT NULL,
		data       JSONB,
		PRIMARY KEY (run_id, sequence)
	)`,

	`CREATE TABLE IF NOT EXISTS rewind_runs (
		id                    TEXT PRIMARY KEY,
		workflow              TEXT NOT NULL,
		status                TEXT NOT NULL DEFAULT 'pending',
		input                 BYTEA,
		result                BYTEA,
		error                 TEXT NOT NULL DEFAULT '',
		idempotency_key       TEXT NOT NULL DEFAULT '',
		max_duration          BIGINT NOT NULL DEFAULT 0,
		metadata              JSONB,
		recovery_attempts     INT NOT NULL DEFAULT 0,
		max_recovery_attempts INT NOT NULL DEFAULT 0,
		parent_run_id         TEXT,
		nesting_depth         INT NOT NULL DEFAULT 0,
		started_at            TIMESTAMPTZ,
		completed_at          TIMESTAMPTZ,
		wake_at               TIMESTAMPTZ,
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL
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
		input        BYTEA,
		result       BYTEA,
		error        TEXT NOT NULL DEFAULT '',
		attempt      INT NOT NULL DEFAULT 0,
		max_retries  INT NOT NULL DEFAULT 0,
		started_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, step_id)
	)`,

	`CREATE TABLE IF NOT EXISTS rewind_hooks (
		token       TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL,
		hook_id     TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'pending',
		payload     BYTEA,
		expires_at  TIMESTAMPTZ,
		received_at TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
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
		priority     INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		attempts     INT NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		worker_id    TEXT NOT NULL DEFAULT '',
		run_at       TIMESTAMPTZ NOT NULL,
		started_at   TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		heartbeat_at TIMESTAMPTZ,
		timeout      BIGINT NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rewind_tasks_dequeue
		ON rewind_tasks (state, queue, run_at, priority)`,
	`CREATE INDEX IF NOT EXISTS idx_rewind_tasks_run
		ON rewind_tasks (run_id)`,

	`CREATE TABLE IF NOT EXISTS rewind_workers (
		id           TEXT PRIMARY KEY,
		hostname     TEXT NOT NULL DEFAULT '',
		queues       TEXT[] NOT NULL DEFAULT '{}',
		concurrency  INT NOT NULL DEFAULT 0,
		started_at   TIMESTAMPTZ NOT NULL,
		heartbeat_at TIMESTAMPTZ NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("rewind/postgres: migrate: %w", err)
		}
	}
	return nil
}
