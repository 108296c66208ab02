package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/workflow"
)

// ── Runs ──

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	metadata, err := marshalJSON(run.Metadata)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: encode metadata: %w", err)
	}
	var parent any
	if run.ParentRunID != nil {
		parent = run.ParentRunID.String()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rewind_runs (
			id, workflow, status, input, result, error, idempotency_key,
			max_duration, metadata, recovery_attempts, max_recovery_attempts,
			parent_run_id, nesting_depth, started_at, completed_at, wake_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Workflow, string(run.Status), run.Input, run.Result,
		run.Error, run.IdempotencyKey, int64(run.MaxDuration), metadata,
		run.RecoveryAttempts, run.MaxRecoveryAttempts, parent, run.NestingDepth,
		fmtTimePtr(run.StartedAt), fmtTimePtr(run.CompletedAt), fmtTimePtr(run.WakeAt),
		fmtTime(run.CreatedAt), fmtTime(run.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return rewind.ErrRunAlreadyExists
		}
		return fmt.Errorf("rewind/sqlite: insert run: %w", err)
	}
	return nil
}

const runColumns = `id, workflow, status, input, result, error, idempotency_key,
	max_duration, metadata, recovery_attempts, max_recovery_attempts,
	parent_run_id, nesting_depth, started_at, completed_at, wake_at,
	created_at, updated_at`

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM rewind_runs WHERE id = ?`, runID.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rewind.ErrRunNotFound
	}
	return run, err
}

// GetRunByIdempotencyKey returns the run started with the given key.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, wf, key string) (*workflow.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM rewind_runs WHERE workflow = ? AND idempotency_key = ?`,
		wf, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rewind.ErrRunNotFound
	}
	return run, err
}

// UpdateRun persists run mutations.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	metadata, err := marshalJSON(run.Metadata)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: encode metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rewind_runs SET
			status = ?, result = ?, error = ?, metadata = ?,
			recovery_attempts = ?, started_at = ?, completed_at = ?,
			wake_at = ?, updated_at = ?
		WHERE id = ?`,
		string(run.Status), run.Result, run.Error, metadata,
		run.RecoveryAttempts, fmtTimePtr(run.StartedAt), fmtTimePtr(run.CompletedAt),
		fmtTimePtr(run.WakeAt), fmtTime(run.UpdatedAt),
		run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: update run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
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
		conds = append(conds, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: query runs: %w", err)
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
		run            workflow.Run
		runID, status  string
		metadata       sql.NullString
		parent         sql.NullString
		maxDuration    int64
		startedAt      sql.NullString
		completedAt    sql.NullString
		wakeAt         sql.NullString
		created, updat string
	)
	err := row.Scan(&runID, &run.Workflow, &status, &run.Input, &run.Result,
		&run.Error, &run.IdempotencyKey, &maxDuration, &metadata,
		&run.RecoveryAttempts, &run.MaxRecoveryAttempts, &parent,
		&run.NestingDepth, &startedAt, &completedAt, &wakeAt,
		&created, &updat)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("rewind/sqlite: scan run: %w", err)
	}

	if run.ID, err = id.ParseRunID(runID); err != nil {
		return nil, fmt.Errorf("rewind/sqlite: run id: %w", err)
	}
	run.Status = workflow.Status(status)
	run.MaxDuration = time.Duration(maxDuration)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("rewind/sqlite: run metadata: %w", err)
		}
	}
	if parent.Valid && parent.String != "" {
		pid, err := id.ParseRunID(parent.String)
		if err != nil {
			return nil, fmt.Errorf("rewind/sqlite: parent run id: %w", err)
		}
		run.ParentRunID = &pid
	}
	if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if run.WakeAt, err = parseTimePtr(wakeAt); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updat); err != nil {
		return nil, err
	}
	return &run, nil
}

// ── Steps ──

// UpsertStep inserts or replaces a step execution projection.
func (s *Store) UpsertStep(ctx context.Context, step *workflow.StepExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rewind_steps (
			run_id, step_id, name, status, input, result, error, attempt,
			max_retries, started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = excluded.status, result = excluded.result,
			error = excluded.error, attempt = excluded.attempt,
			completed_at = excluded.completed_at, updated_at = excluded.updated_at`,
		step.RunID.String(), step.StepID, step.Name, string(step.Status),
		step.Input, step.Result, step.Error, step.Attempt, step.MaxRetries,
		fmtTime(step.StartedAt), fmtTimePtr(step.CompletedAt),
		fmtTime(step.CreatedAt), fmtTime(step.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: upsert step: %w", err)
	}
	return nil
}

// GetSteps returns the run's step executions in start order.
func (s *Store) GetSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_id, name, status, input, result, error, attempt,
			max_retries, started_at, completed_at, created_at, updated_at
		FROM rewind_steps WHERE run_id = ?
		ORDER BY started_at ASC, step_id ASC`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: query steps: %w", err)
	}
	defer rows.Close()

	var out []*workflow.StepExecution
	for rows.Next() {
		var (
			step          workflow.StepExecution
			rid, status   string
			startedAt     string
			completedAt   sql.NullString
			created, upd  string
		)
		err := rows.Scan(&rid, &step.StepID, &step.Name, &status, &step.Input,
			&step.Result, &step.Error, &step.Attempt, &step.MaxRetries,
			&startedAt, &completedAt, &created, &upd)
		if err != nil {
			return nil, fmt.Errorf("rewind/sqlite: scan step: %w", err)
		}
		if step.RunID, err = id.ParseRunID(rid); err != nil {
			return nil, err
		}
		step.Status = workflow.StepStatus(status)
		if step.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if step.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		if step.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if step.UpdatedAt, err = parseTime(upd); err != nil {
			return nil, err
		}
		out = append(out, &step)
	}
	return out, rows.Err()
}

// ── Hooks ──

const hookColumns = `token, run_id, hook_id, name, status, payload,
	expires_at, received_at, created_at, updated_at`

// CreateHook persists a new hook record.
func (s *Store) CreateHook(ctx context.Context, hook *workflow.HookRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rewind_hooks (`+hookColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hook.Token, hook.RunID.String(), hook.HookID, hook.Name,
		string(hook.Status), hook.Payload, fmtTimePtr(hook.ExpiresAt),
		fmtTimePtr(hook.ReceivedAt), fmtTime(hook.CreatedAt), fmtTime(hook.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return rewind.ErrHookAlreadyExists
		}
		return fmt.Errorf("rewind/sqlite: insert hook: %w", err)
	}
	return nil
}

// GetHookByToken returns a hook by delivery token.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*workflow.HookRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hookColumns+` FROM rewind_hooks WHERE token = ?`, token)
	hook, err := scanHook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rewind.ErrHookNotFound
	}
	return hook, err
}

// GetHooks returns the run's hooks in creation order.
func (s *Store) GetHooks(ctx context.Context, runID id.RunID) ([]*workflow.HookRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hookColumns+` FROM rewind_hooks WHERE run_id = ?
		 ORDER BY created_at ASC`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: query hooks: %w", err)
	}
	defer rows.Close()
	return collectHooks(rows)
}

// UpdateHook persists hook mutations.
func (s *Store) UpdateHook(ctx context.Context, hook *workflow.HookRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rewind_hooks SET
			status = ?, payload = ?, received_at = ?, updated_at = ?
		WHERE token = ?`,
		string(hook.Status), hook.Payload, fmtTimePtr(hook.ReceivedAt),
		fmtTime(hook.UpdatedAt), hook.Token,
	)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: update hook: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return rewind.ErrHookNotFound
	}
	return nil
}

// ListExpiredHooks returns pending hooks whose deadline passed.
func (s *Store) ListExpiredHooks(ctx context.Context, now time.Time, limit int) ([]*workflow.HookRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hookColumns+` FROM rewind_hooks
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at ASC LIMIT ?`,
		string(workflow.HookStatusPending), fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: query expired hooks: %w", err)
	}
	defer rows.Close()
	return collectHooks(rows)
}

func collectHooks(rows *sql.Rows) ([]*workflow.HookRecord, error) {
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
		hook          workflow.HookRecord
		rid, status   string
		expiresAt     sql.NullString
		receivedAt    sql.NullString
		created, upd  string
	)
	err := row.Scan(&hook.Token, &rid, &hook.HookID, &hook.Name, &status,
		&hook.Payload, &expiresAt, &receivedAt, &created, &upd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("rewind/sqlite: scan hook: %w", err)
	}
	if hook.RunID, err = id.ParseRunID(rid); err != nil {
		return nil, err
	}
	hook.Status = workflow.HookStatus(status)
	if hook.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, err
	}
	if hook.ReceivedAt, err = parseTimePtr(receivedAt); err != nil {
		return nil, err
	}
	if hook.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if hook.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, err
	}
	return &hook, nil
}

// ── Cancellation ──

// RequestCancellation flags a run for cancellation.
func (s *Store) RequestCancellation(ctx context.Context, runID id.RunID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rewind_cancellations (run_id) VALUES (?)
		 ON CONFLICT (run_id) DO NOTHING`, runID.String())
	if err != nil {
		return fmt.Errorf("rewind/sqlite: request cancellation: %w", err)
	}
	return nil
}

// CancellationRequested reports whether the flag is set.
func (s *Store) CancellationRequested(ctx context.Context, runID id.RunID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rewind_cancellations WHERE run_id = ?`,
		runID.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("rewind/sqlite: cancellation flag: %w", err)
	}
	return n > 0, nil
}

// ClearCancellation removes the flag.
func (s *Store) ClearCancellation(ctx context.Context, runID id.RunID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rewind_cancellations WHERE run_id = ?`, runID.String())
	if err != nil {
		return fmt.Errorf("rewind/sqlite: clear cancellation: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_* in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint")
}
