package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/task"
)

const taskColumns = `id, kind, run_id, queue, state, priority, max_attempts,
	attempts, last_error, worker_id, run_at, started_at, completed_at,
	heartbeat_at, timeout, created_at, updated_at`

// EnqueueTask persists a new task in pending state.
func (s *Store) EnqueueTask(ctx context.Context, t *task.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rewind_tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), string(t.Kind), t.RunID.String(), t.Queue, string(t.State),
		t.Priority, t.MaxAttempts, t.Attempts, t.LastError, t.WorkerID.String(),
		fmtTime(t.RunAt), fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt),
		fmtTimePtr(t.HeartbeatAt), int64(t.Timeout),
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return rewind.ErrTaskAlreadyExists
		}
		return fmt.Errorf("rewind/sqlite: insert task: %w", err)
	}
	return nil
}

// DequeueTasks atomically claims up to limit due tasks. The claim runs
// in one transaction: select candidates, flip them to running.
func (s *Store) DequeueTasks(ctx context.Context, queues []string, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: begin dequeue: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query := `SELECT ` + taskColumns + ` FROM rewind_tasks
		WHERE state IN ('pending', 'retrying') AND run_at <= ?`
	args := []any{fmtTime(now)}
	if len(queues) > 0 {
		query += ` AND queue IN (` + placeholders(len(queues)) + `)`
		for _, q := range queues {
			args = append(args, q)
		}
	}
	query += ` ORDER BY priority DESC, run_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: query due tasks: %w", err)
	}
	claimed, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}

	for _, t := range claimed {
		t.State = task.StateRunning
		t.StartedAt = &now
		t.HeartbeatAt = &now
		t.Touch()
		_, err := tx.ExecContext(ctx,
			`UPDATE rewind_tasks SET state = ?, started_at = ?, heartbeat_at = ?, updated_at = ?
			 WHERE id = ?`,
			string(task.StateRunning), fmtTime(now), fmtTime(now),
			fmtTime(t.UpdatedAt), t.ID.String())
		if err != nil {
			return nil, fmt.Errorf("rewind/sqlite: claim task: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("rewind/sqlite: commit dequeue: %w", err)
	}
	return claimed, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM rewind_tasks WHERE id = ?`, taskID.String())
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rewind.ErrTaskNotFound
	}
	return t, err
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rewind_tasks SET
			state = ?, attempts = ?, last_error = ?, worker_id = ?, run_at = ?,
			started_at = ?, completed_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ?`,
		string(t.State), t.Attempts, t.LastError, t.WorkerID.String(),
		fmtTime(t.RunAt), fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt),
		fmtTimePtr(t.HeartbeatAt), fmtTime(t.UpdatedAt), t.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: update task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return rewind.ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task by ID.
func (s *Store) DeleteTask(ctx context.Context, taskID id.TaskID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rewind_tasks WHERE id = ?`, taskID.String())
	if err != nil {
		return fmt.Errorf("rewind/sqlite: delete task: %w", err)
	}
	return nil
}

// ListTasksByState returns tasks in the given state, oldest first.
func (s *Store) ListTasksByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM rewind_tasks WHERE state = ?`
	args := []any{string(state)}
	if opts.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, opts.Queue)
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: query tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListTasksByRun returns every task of a run, oldest first.
func (s *Store) ListTasksByRun(ctx context.Context, runID id.RunID) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM rewind_tasks WHERE run_id = ?
		 ORDER BY created_at ASC`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: query run tasks: %w", err)
	}
	return collectTasks(rows)
}

// HeartbeatTask refreshes the lease on a running task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE rewind_tasks SET worker_id = ?, heartbeat_at = ?, updated_at = ?
		 WHERE id = ?`,
		workerID.String(), fmtTime(now), fmtTime(now), taskID.String())
	if err != nil {
		return fmt.Errorf("rewind/sqlite: heartbeat task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return rewind.ErrTaskNotFound
	}
	return nil
}

// ReapStaleTasks returns running tasks whose heartbeat is older than
// the threshold.
func (s *Store) ReapStaleTasks(ctx context.Context, threshold time.Duration) ([]*task.Task, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM rewind_tasks
		 WHERE state = 'running' AND COALESCE(heartbeat_at, created_at) <= ?`,
		fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: query stale tasks: %w", err)
	}
	return collectTasks(rows)
}

// CountTasks returns the number of tasks matching the options.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM rewind_tasks`
	var conds []string
	var args []any
	if opts.Queue != "" {
		conds = append(conds, "queue = ?")
		args = append(args, opts.Queue)
	}
	if opts.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(opts.State))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("rewind/sqlite: count tasks: %w", err)
	}
	return n, nil
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t             task.Task
		taskID, kind  string
		runID, state  string
		workerID      string
		runAt         string
		startedAt     sql.NullString
		completedAt   sql.NullString
		heartbeatAt   sql.NullString
		timeout       int64
		created, upd  string
	)
	err := row.Scan(&taskID, &kind, &runID, &t.Queue, &state, &t.Priority,
		&t.MaxAttempts, &t.Attempts, &t.LastError, &workerID, &runAt,
		&startedAt, &completedAt, &heartbeatAt, &timeout, &created, &upd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("rewind/sqlite: scan task: %w", err)
	}
	if t.ID, err = id.ParseTaskID(taskID); err != nil {
		return nil, fmt.Errorf("rewind/sqlite: task id: %w", err)
	}
	t.Kind = task.Kind(kind)
	if t.RunID, err = id.ParseRunID(runID); err != nil {
		return nil, fmt.Errorf("rewind/sqlite: task run id: %w", err)
	}
	t.State = task.State(state)
	if workerID != "" {
		if t.WorkerID, err = id.ParseWorkerID(workerID); err != nil {
			return nil, fmt.Errorf("rewind/sqlite: task worker id: %w", err)
		}
	}
	if t.RunAt, err = parseTime(runAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if t.HeartbeatAt, err = parseTimePtr(heartbeatAt); err != nil {
		return nil, err
	}
	t.Timeout = time.Duration(timeout)
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, err
	}
	return &t, nil
}
