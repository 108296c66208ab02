package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/task"
)

// EnqueueTask stores the task as a Hash and adds it to the queue's
// Sorted Set, scored by RunAt so due tasks range out cheaply.
func (s *Store) EnqueueTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rewind/redis: enqueue exists: %w", err)
	}
	if exists > 0 {
		return rewind.ErrTaskAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskToMap(t))
	pipe.SAdd(ctx, taskIDsKey, tID)
	pipe.SAdd(ctx, taskRunIndexKey(t.RunID.String()), tID)
	pipe.ZAdd(ctx, queueKey(t.Queue), goredis.Z{
		Score:  float64(t.RunAt.UnixMilli()),
		Member: tID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewind/redis: enqueue task: %w", err)
	}
	return nil
}

// DequeueTasks claims up to limit due tasks from the given queues.
// ZREM is the claim: it removes exactly once, so concurrent workers
// racing for the same member see all but one lose and skip it.
func (s *Store) DequeueTasks(ctx context.Context, queues []string, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)

	// Gather due candidates across queues, then order by priority
	// before claiming so high-priority tasks go first.
	var due []*task.Task
	for _, q := range queues {
		ids, err := s.client.ZRangeByScore(ctx, queueKey(q), &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: int64(limit * 4),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("rewind/redis: dequeue range: %w", err)
		}
		for _, tID := range ids {
			t, getErr := s.getTaskByKey(ctx, taskKey(tID))
			if getErr != nil {
				continue
			}
			if t.State != task.StatePending && t.State != task.StateRetrying {
				continue
			}
			due = append(due, t)
		}
	}
	sortTasks(due)

	var claimed []*task.Task
	for _, t := range due {
		if len(claimed) >= limit {
			break
		}
		removed, err := s.client.ZRem(ctx, queueKey(t.Queue), t.ID.String()).Result()
		if err != nil {
			return nil, fmt.Errorf("rewind/redis: dequeue claim: %w", err)
		}
		if removed == 0 {
			continue // lost the race to another worker
		}
		t.State = task.StateRunning
		t.StartedAt = &now
		t.HeartbeatAt = &now
		t.UpdatedAt = now
		if err := s.client.HSet(ctx, taskKey(t.ID.String()), taskToMap(t)).Err(); err != nil {
			return nil, fmt.Errorf("rewind/redis: dequeue update: %w", err)
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	return s.getTaskByKey(ctx, taskKey(taskID.String()))
}

// UpdateTask persists changes to an existing task, keeping the queue
// Sorted Set in sync with the task's state.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rewind/redis: update task exists: %w", err)
	}
	if exists == 0 {
		return rewind.ErrTaskNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskToMap(t))
	if t.State == task.StatePending || t.State == task.StateRetrying {
		pipe.ZAdd(ctx, queueKey(t.Queue), goredis.Z{
			Score:  float64(t.RunAt.UnixMilli()),
			Member: tID,
		})
	} else {
		pipe.ZRem(ctx, queueKey(t.Queue), tID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewind/redis: update task: %w", err)
	}
	return nil
}

// DeleteTask removes a task by ID.
func (s *Store) DeleteTask(ctx context.Context, taskID id.TaskID) error {
	tID := taskID.String()
	key := taskKey(tID)

	t, err := s.getTaskByKey(ctx, key)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, taskIDsKey, tID)
	pipe.SRem(ctx, taskRunIndexKey(t.RunID.String()), tID)
	pipe.ZRem(ctx, queueKey(t.Queue), tID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewind/redis: delete task: %w", err)
	}
	return nil
}

// ListTasksByState returns tasks in the given state, oldest first.
func (s *Store) ListTasksByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: list tasks smembers: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if t.State != state {
			continue
		}
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return window(tasks, opts.Limit, opts.Offset), nil
}

// ListTasksByRun returns every task of a run, oldest first.
func (s *Store) ListTasksByRun(ctx context.Context, runID id.RunID) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, taskRunIndexKey(runID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: run task index: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// HeartbeatTask refreshes the lease on a running task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	key := taskKey(taskID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rewind/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return rewind.ErrTaskNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	err = s.client.HSet(ctx, key,
		"heartbeat_at", now,
		"worker_id", workerID.String(),
		"updated_at", now,
	).Err()
	if err != nil {
		return fmt.Errorf("rewind/redis: heartbeat task: %w", err)
	}
	return nil
}

// ReapStaleTasks returns running tasks whose heartbeat is older than
// the threshold.
func (s *Store) ReapStaleTasks(ctx context.Context, threshold time.Duration) ([]*task.Task, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: reap smembers: %w", err)
	}

	var stale []*task.Task
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if t.State != task.StateRunning {
			continue
		}
		hb := t.HeartbeatAt
		if hb == nil {
			hb = &t.CreatedAt
		}
		if hb.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	return stale, nil
}

// CountTasks returns the number of tasks matching the options.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("rewind/redis: count smembers: %w", err)
	}

	var count int64
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

func sortTasks(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].RunAt.Before(tasks[j].RunAt)
	})
}

func (s *Store) getTaskByKey(ctx context.Context, key string) (*task.Task, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, rewind.ErrTaskNotFound
	}
	return mapToTask(vals)
}

func taskToMap(t *task.Task) map[string]any {
	return map[string]any{
		"id":           t.ID.String(),
		"kind":         string(t.Kind),
		"run_id":       t.RunID.String(),
		"queue":        t.Queue,
		"state":        string(t.State),
		"priority":     strconv.Itoa(t.Priority),
		"max_attempts": strconv.Itoa(t.MaxAttempts),
		"attempts":     strconv.Itoa(t.Attempts),
		"last_error":   t.LastError,
		"worker_id":    t.WorkerID.String(),
		"run_at":       t.RunAt.Format(time.RFC3339Nano),
		"started_at":   fmtTimePtr(t.StartedAt),
		"completed_at": fmtTimePtr(t.CompletedAt),
		"heartbeat_at": fmtTimePtr(t.HeartbeatAt),
		"timeout":      strconv.FormatInt(int64(t.Timeout), 10),
		"created_at":   t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToTask(m map[string]string) (*task.Task, error) {
	tID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: parse task id: %w", err)
	}
	runID, err := id.ParseRunID(m["run_id"])
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: parse task run id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])           //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])    //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])           //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	t := &task.Task{
		Entity:      parseEntity(m),
		ID:          tID,
		Kind:        task.Kind(m["kind"]),
		RunID:       runID,
		Queue:       m["queue"],
		State:       task.State(m["state"]),
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Attempts:    attempts,
		LastError:   m["last_error"],
		RunAt:       runAt,
		StartedAt:   parseTimePtr(m["started_at"]),
		CompletedAt: parseTimePtr(m["completed_at"]),
		HeartbeatAt: parseTimePtr(m["heartbeat_at"]),
		Timeout:     time.Duration(timeout),
	}
	if wid := m["worker_id"]; wid != "" {
		t.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return t, nil
}
