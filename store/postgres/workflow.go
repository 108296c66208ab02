package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/workflow"
)

// ── Runs ──

const runColumns = `id, workflow, status, input, result, error, idempotency_key,
	max_duration, metadata, recovery_attempts, max_recovery_attempts,
	parent_run_id, nesting_depth, started_at, completed_at, wake_at,
	created_at, updated_at`

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	var parent any
	if run.ParentRunID != nil {
		parent = run.ParentRunID.String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rewind_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		run.ID.String(), run.Workflow, string(run.Status), run.Input, run.Result,
		run.Error, run.IdempotencyKey, int64(run.MaxDuration), run.Metadata,
		run.RecoveryAttempts, run.MaxRecoveryAttempts, parent, run.NestingDepth,
		run.StartedAt, run.CompletedAt, run.WakeAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return rewind.ErrRunAlreadyExists
		}
		return fmt.Errorf("rewind/postgres: insert run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM rewind_runs WHERE id = $1`, runID.String())
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, rewind.ErrRunNotFound
	}
	return run, err
}

// GetRunByIdempotencyKey returns the run started with the given key.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, wf, key string) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM rewind_runs WHERE workflow = $1 AND idempotency_key = $2`,
		wf, key)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, rewind.ErrRunNotFound
	}
	return run, err
}

// UpdateRun persists run mutations.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rewind_runs SET
			status = $1, result = $2, error = $3, metadata = $4,
			recovery_attempts = $5, started_at = $6, completed_at = $7,
			wake_at = $8, updated_at = $9
		WHERE id = $10`,
		string(run.Status), run.Result, run.Error, run.Metadata,
		run.RecoveryAttempts, run.StartedAt, run.CompletedAt,
		run.WakeAt, run.UpdatedAt, run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("rewind/postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rewind.ErrRunNotFound
	}
	return nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	query := `SELECT ` + runColumns + ` FROM rewind_runs`
	var conds []string
	var args []any
	if filter.Workflow != "" {
		args = append(args, filter.Workflow)
		conds = append(conds, fmt.Sprintf("workflow = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: query runs: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*workflow.Run, error) {
	var (
		run           workflow.Run
		runID, status string
		maxDuration   int64
		parent        *string
	)
	err := row.Scan(&runID, &run.Workflow, &status, &run.Input, &run.Result,
		&run.Error, &run.IdempotencyKey, &maxDuration, &run.Metadata,
		&run.RecoveryAttempts, &run.MaxRecoveryAttempts, &parent,
		&run.NestingDepth, &run.StartedAt, &run.CompletedAt, &run.WakeAt,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("rewind/postgres: scan run: %w", err)
	}
	if run.ID, err = id.ParseRunID(runID); err != nil {
		return nil, fmt.Errorf("rewind/postgres: run id: %w", err)
	}
	run.Status = workflow.Status(status)
	run.MaxDuration = time.Duration(maxDuration)
	if parent != nil && *parent != "" {
		pid, err := id.ParseRunID(*parent)
		if err != nil {
			return nil, fmt.Errorf("rewind/postgres: parent run id: %w", err)
		}
		run.ParentRunID = &pid
	}
	return &run, nil
}

// ── Steps ──

// UpsertStep inserts or replaces a step execution projection.
func (s *Store) UpsertStep(ctx context.Context, step *workflow.StepExecution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rewind_steps (
			run_id, step_id, name, status, input, result, error, attempt,
			max_retries, started_at, completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = excluded.status, result = excluded.result,
			error = excluded.error, attempt = excluded.attempt,
			completed_at = excluded.completed_at, updated_at = excluded.updated_at`,
		step.RunID.String(), step.StepID, step.Name, string(step.Status),
		step.Input, step.Result, step.Error, step.Attempt, step.MaxRetries,
		step.StartedAt, step.CompletedAt, step.CreatedAt, step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("rewind/postgres: upsert step: %w", err)
	}
	return nil
}

// GetSteps returns the run's step executions in start order.
func (s *Store) GetSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, step_id, name, status, input, result, error, attempt,
			max_retries, started_at, completed_at, created_at, updated_at
		FROM rewind_steps WHERE run_id = $1
		ORDER BY started_at ASC, step_id ASC`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: query steps: %w", err)
	}
	defer rows.Close()

	var out []*workflow.StepExecution
	for rows.Next() {
		var (
			step        workflow.StepExecution
			rid, status string
		)
		err := rows.Scan(&rid, &step.StepID, &step.Name, &status, &step.Input,
			&step.Result, &step.Error, &step.Attempt, &step.MaxRetries,
			&step.StartedAt, &step.CompletedAt, &step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("rewind/postgres: scan step: %w", err)
		}
		if step.RunID, err = id.ParseRunID(rid); err != nil {
			return nil, err
		}
		step.Status = workflow.StepStatus(status)
		out = append(out, &step)
	}
	return out, rows.Err()
}

// ── Hooks ──

const hookColumns = `token, run_id, hook_id, name, status, payload,
	expires_at, received_at, created_at, updated_at`

// CreateHook persists a new hook record.
func (s *Store) CreateHook(ctx context.Context, hook *workflow.HookRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rewind_hooks (`+hookColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		hook.Token, hook.RunID.String(), hook.HookID, hook.Name,
		string(hook.Status), hook.Payload, hook.ExpiresAt, hook.ReceivedAt,
		hook.CreatedAt, hook.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return rewind.ErrHookAlreadyExists
		}
		return fmt.Errorf("rewind/postgres: insert hook: %w", err)
	}
	return nil
}

// GetHookByToken returns a hook by delivery token.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*workflow.HookRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+hookColumns+` FROM rewind_hooks WHERE token = $1`, token)
	hook, err := scanHook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, rewind.ErrHookNotFound
	}
	return hook, err
}

// GetHooks returns the run's hooks in creation order.
func (s *Store) GetHooks(ctx context.Context, runID id.RunID) ([]*workflow.HookRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+hookColumns+` FROM rewind_hooks WHERE run_id = $1
		 ORDER BY created_at ASC`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: query hooks: %w", err)
	}
	defer rows.Close()
	return collectHooks(rows)
}

// UpdateHook persists hook mutations.
func (s *Store) UpdateHook(ctx context.Context, hook *workflow.HookRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rewind_hooks SET
			status = $1, payload = $2, received_at = $3, updated_at = $4
		WHERE token = $5`,
		string(hook.Status), hook.Payload, hook.ReceivedAt, hook.UpdatedAt,
		hook.Token,
	)
	if err != nil {
		return fmt.Errorf("rewind/postgres: update hook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rewind.ErrHookNotFound
	}
	return nil
}

// ListExpiredHooks returns pending hooks whose deadline passed.
func (s *Store) ListExpiredHooks(ctx context.Context, now time.Time, limit int) ([]*workflow.HookRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+hookColumns+` FROM rewind_hooks
		 WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		 ORDER BY expires_at ASC LIMIT $3`,
		string(workflow.HookStatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: query expired hooks: %w", err)
	}
	defer rows.Close()
	return collectHooks(rows)
}

func collectHooks(rows pgx.Rows) ([]*workflow.HookRecord, error) {
	var out []*workflow.HookRecord
	for rows.Next() {
		hook, err := scanHook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, hook)
	}
	return out, rows.Err()
}

func scanHook(row rowScanner) (*workflow.HookRecord, error) {
	var (
		hook        workflow.HookRecord
		rid, status string
	)
	err := row.Scan(&hook.Token, &rid, &hook.HookID, &hook.Name, &status,
		&hook.Payload, &hook.ExpiresAt, &hook.ReceivedAt,
		&hook.CreatedAt, &hook.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("rewind/postgres: scan hook: %w", err)
	}
	if hook.RunID, err = id.ParseRunID(rid); err != nil {
		return nil, err
	}
	hook.Status = workflow.HookStatus(status)
	return &hook, nil
}

// ── Cancellation ──

// RequestCancellation flags a run for cancellation.
func (s *Store) RequestCancellation(ctx context.Context, runID id.RunID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rewind_cancellations (run_id) VALUES ($1)
		 ON CONFLICT (run_id) DO NOTHING`, runID.String())
	if err != nil {
		return fmt.Errorf("rewind/postgres: request cancellation: %w", err)
	}
	return nil
}

// CancellationRequested reports whether the flag is set.
func (s *Store) CancellationRequested(ctx context.Context, runID id.RunID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rewind_cancellations WHERE run_id = $1)`,
		runID.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("rewind/postgres: cancellation flag: %w", err)
	}
	return exists, nil
}

// ClearCancellation removes the flag.
func (s *Store) ClearCancellation(ctx context.Context, runID id.RunID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM rewind_cancellations WHERE run_id = $1`, runID.String())
	if err != nil {
		return fmt.Errorf("rewind/postgres: clear cancellation: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
