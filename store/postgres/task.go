package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/task"
)

const taskColumns = `id, kind, run_id, queue, state, priority, max_attempts,
	attempts, last_error, worker_id, run_at, started_at, completed_at,
	heartbeat_at, timeout, created_at, updated_at`

// EnqueueTask persists a new task in pending state.
func (s *Store) EnqueueTask(ctx context.Context, t *task.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rewind_tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID.String(), string(t.Kind), t.RunID.String(), t.Queue, string(t.State),
		t.Priority, t.MaxAttempts, t.Attempts, t.LastError, t.WorkerID.String(),
		t.RunAt, t.StartedAt, t.CompletedAt, t.HeartbeatAt, int64(t.Timeout),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return rewind.ErrTaskAlreadyExists
		}
		return fmt.Errorf("rewind/postgres: insert task: %w", err)
	}
	return nil
}

// DequeueTasks atomically claims up to limit due tasks using
// FOR UPDATE SKIP LOCKED, so concurrent workers never claim the same
// task and never block each other.
func (s *Store) DequeueTasks(ctx context.Context, queues []string, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	query := `
		WITH due AS (
			SELECT id FROM rewind_tasks
			WHERE state IN ('pending', 'retrying') AND run_at <= $1`
	args := []any{now}
	if len(queues) > 0 {
		args = append(args, queues)
		query += fmt.Sprintf(` AND queue = ANY($%d)`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(`
			ORDER BY priority DESC, run_at ASC
			LIMIT $%d
			FOR UPDATE SKIP LOCKED
		)
		UPDATE rewind_tasks t SET
			state = 'running', started_at = $1, heartbeat_at = $1, updated_at = $1
		FROM due WHERE t.id = due.id
		RETURNING `+prefixColumns("t", taskColumns), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: dequeue: %w", err)
	}
	defer rows.Close()

	claimed, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified; restore claim order.
	sortTasks(claimed)
	return claimed, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM rewind_tasks WHERE id = $1`, taskID.String())
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, rewind.ErrTaskNotFound
	}
	return t, err
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rewind_tasks SET
			state = $1, attempts = $2, last_error = $3, worker_id = $4,
			run_at = $5, started_at = $6, completed_at = $7, heartbeat_at = $8,
			updated_at = $9
		WHERE id = $10`,
		string(t.State), t.Attempts, t.LastError, t.WorkerID.String(),
		t.RunAt, t.StartedAt, t.CompletedAt, t.HeartbeatAt, t.UpdatedAt,
		t.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("rewind/postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rewind.ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task by ID.
func (s *Store) DeleteTask(ctx context.Context, taskID id.TaskID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM rewind_tasks WHERE id = $1`, taskID.String())
	if err != nil {
		return fmt.Errorf("rewind/postgres: delete task: %w", err)
	}
	return nil
}

// ListTasksByState returns tasks in the given state, oldest first.
func (s *Store) ListTasksByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM rewind_tasks WHERE state = $1`
	args := []any{string(state)}
	if opts.Queue != "" {
		args = append(args, opts.Queue)
		query += fmt.Sprintf(` AND queue = $%d`, len(args))
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksByRun returns every task of a run, oldest first.
func (s *Store) ListTasksByRun(ctx context.Context, runID id.RunID) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM rewind_tasks WHERE run_id = $1
		 ORDER BY created_at ASC`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: query run tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// HeartbeatTask refreshes the lease on a running task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE rewind_tasks SET worker_id = $1, heartbeat_at = $2, updated_at = $2
		 WHERE id = $3`,
		workerID.String(), now, taskID.String())
	if err != nil {
		return fmt.Errorf("rewind/postgres: heartbeat task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rewind.ErrTaskNotFound
	}
	return nil
}

// ReapStaleTasks returns running tasks whose heartbeat is older than
// the threshold.
func (s *Store) ReapStaleTasks(ctx context.Context, threshold time.Duration) ([]*task.Task, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM rewind_tasks
		 WHERE state = 'running' AND COALESCE(heartbeat_at, created_at) <= $1`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: query stale tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CountTasks returns the number of tasks matching the options.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM rewind_tasks`
	var conds []string
	var args []any
	if opts.Queue != "" {
		args = append(args, opts.Queue)
		conds = append(conds, fmt.Sprintf("queue = $%d", len(args)))
	}
	if opts.State != "" {
		args = append(args, string(opts.State))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("rewind/postgres: count tasks: %w", err)
	}
	return n, nil
}

func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
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
		t            task.Task
		taskID, kind string
		runID, state string
		workerID     string
		timeout      int64
	)
	err := row.Scan(&taskID, &kind, &runID, &t.Queue, &state, &t.Priority,
		&t.MaxAttempts, &t.Attempts, &t.LastError, &workerID, &t.RunAt,
		&t.StartedAt, &t.CompletedAt, &t.HeartbeatAt, &timeout,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("rewind/postgres: scan task: %w", err)
	}
	if t.ID, err = id.ParseTaskID(taskID); err != nil {
		return nil, fmt.Errorf("rewind/postgres: task id: %w", err)
	}
	t.Kind = task.Kind(kind)
	if t.RunID, err = id.ParseRunID(runID); err != nil {
		return nil, fmt.Errorf("rewind/postgres: task run id: %w", err)
	}
	t.State = task.State(state)
	if workerID != "" {
		if t.WorkerID, err = id.ParseWorkerID(workerID); err != nil {
			return nil, fmt.Errorf("rewind/postgres: task worker id: %w", err)
		}
	}
	t.Timeout = time.Duration(timeout)
	return &t, nil
}

func sortTasks(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].RunAt.Before(tasks[j].RunAt)
	})
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
