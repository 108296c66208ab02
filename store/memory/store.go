// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and embedded use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
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

// Store is an in-memory implementation of the full store contract.
type Store struct {
	mu sync.RWMutex

	events    map[string][]*event.Event // key: run ID
	runs      map[string]*workflow.Run
	steps     map[string]map[string]*workflow.StepExecution // run ID → step ID
	hooks     map[string]*workflow.HookRecord               // key: token
	cancels   map[string]struct{}
	tasks     map[string]*task.Task
	workers   map[string]*worker.Worker
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		events:  make(map[string][]*event.Event),
		runs:    make(map[string]*workflow.Run),
		steps:   make(map[string]map[string]*workflow.StepExecution),
		hooks:   make(map[string]*workflow.HookRecord),
		cancels: make(map[string]struct{}),
		tasks:   make(map[string]*task.Task),
		workers: make(map[string]*worker.Worker),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Event store
// ──────────────────────────────────────────────────

// RecordEvent appends an event to the run's log, assigning the next
// sequence number. Sequences per run start at zero and have no gaps.
func (m *Store) RecordEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := evt.RunID.String()
	evt.Sequence = int64(len(m.events[key]))
	cp := *evt
	m.events[key] = append(m.events[key], &cp)
	return nil
}

// GetEvents returns the run's events in sequence order, optionally
// filtered by type.
func (m *Store) GetEvents(_ context.Context, runID id.RunID, types ...event.Type) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[runID.String()]
	out := make([]*event.Event, 0, len(log))
	for _, evt := range log {
		if !event.Matches(evt.Type, types) {
			continue
		}
		cp := *evt
		out = append(out, &cp)
	}
	return out, nil
}

// GetLatestEvent returns the run's highest-sequence event matching the
// filter, or nil when none matches.
func (m *Store) GetLatestEvent(_ context.Context, runID id.RunID, types ...event.Type) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[runID.String()]
	for i := len(log) - 1; i >= 0; i-- {
		if event.Matches(log[i].Type, types) {
			cp := *log[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// ──────────────────────────────────────────────────
// Workflow store — runs
// ──────────────────────────────────────────────────

// CreateRun persists a new run.
func (m *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, exists := m.runs[key]; exists {
		return rewind.ErrRunAlreadyExists
	}
	if run.IdempotencyKey != "" {
		for _, r := range m.runs {
			if r.Workflow == run.Workflow && r.IdempotencyKey == run.IdempotencyKey {
				return rewind.ErrRunAlreadyExists
			}
		}
	}
	cp := *run
	m.runs[key] = &cp
	return nil
}

// GetRun returns a run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID.String()]
	if !ok {
		return nil, rewind.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

// GetRunByIdempotencyKey returns the run started with the given key.
func (m *Store) GetRunByIdempotencyKey(_ context.Context, wf, key string) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, run := range m.runs {
		if run.Workflow == wf && run.IdempotencyKey == key {
			cp := *run
			return &cp, nil
		}
	}
	return nil, rewind.ErrRunNotFound
}

// UpdateRun persists run mutations.
func (m *Store) UpdateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, ok := m.runs[key]; !ok {
		return rewind.ErrRunNotFound
	}
	cp := *run
	m.runs[key] = &cp
	return nil
}

// ListRuns returns runs matching the filter, newest first.
func (m *Store) ListRuns(_ context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*workflow.Run, 0)
	for _, run := range m.runs {
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// ──────────────────────────────────────────────────
// Workflow store — steps
// ──────────────────────────────────────────────────

// UpsertStep inserts or replaces a step execution projection.
func (m *Store) UpsertStep(_ context.Context, step *workflow.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := step.RunID.String()
	if m.steps[key] == nil {
		m.steps[key] = make(map[string]*workflow.StepExecution)
	}
	cp := *step
	m.steps[key][step.StepID] = &cp
	return nil
}

// GetSteps returns the run's step executions in start order.
func (m *Store) GetSteps(_ context.Context, runID id.RunID) ([]*workflow.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byID := m.steps[runID.String()]
	out := make([]*workflow.StepExecution, 0, len(byID))
	for _, step := range byID {
		cp := *step
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StepID < out[j].StepID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// ──────────────────────────────────────────────────
// Workflow store — hooks
// ──────────────────────────────────────────────────

// CreateHook persists a new hook record.
func (m *Store) CreateHook(_ context.Context, hook *workflow.HookRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hooks[hook.Token]; exists {
		return rewind.ErrHookAlreadyExists
	}
	cp := *hook
	m.hooks[hook.Token] = &cp
	return nil
}

// GetHookByToken returns a hook by delivery token.
func (m *Store) GetHookByToken(_ context.Context, token string) (*workflow.HookRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hook, ok := m.hooks[token]
	if !ok {
		return nil, rewind.ErrHookNotFound
	}
	cp := *hook
	return &cp, nil
}

// GetHooks returns the run's hooks in creation order.
func (m *Store) GetHooks(_ context.Context, runID id.RunID) ([]*workflow.HookRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*workflow.HookRecord, 0)
	for _, hook := range m.hooks {
		if hook.RunID != runID {
			continue
		}
		cp := *hook
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateHook persists hook mutations.
func (m *Store) UpdateHook(_ context.Context, hook *workflow.HookRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.hooks[hook.Token]; !ok {
		return rewind.ErrHookNotFound
	}
	cp := *hook
	m.hooks[hook.Token] = &cp
	return nil
}

// ListExpiredHooks returns pending hooks whose deadline passed.
func (m *Store) ListExpiredHooks(_ context.Context, now time.Time, limit int) ([]*workflow.HookRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*workflow.HookRecord, 0)
	for _, hook := range m.hooks {
		if hook.Status != workflow.HookStatusPending {
			continue
		}
		if hook.ExpiresAt == nil || hook.ExpiresAt.After(now) {
			continue
		}
		cp := *hook
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Workflow store — cancellation
// ──────────────────────────────────────────────────

// RequestCancellation flags a run for cancellation.
func (m *Store) RequestCancellation(_ context.Context, runID id.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[runID.String()] = struct{}{}
	return nil
}

// CancellationRequested reports whether the flag is set.
func (m *Store) CancellationRequested(_ context.Context, runID id.RunID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.cancels[runID.String()]
	return ok, nil
}

// ClearCancellation removes the flag.
func (m *Store) ClearCancellation(_ context.Context, runID id.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, runID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Task store
// ──────────────────────────────────────────────────

// EnqueueTask persists a new task in pending state.
func (m *Store) EnqueueTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return rewind.ErrTaskAlreadyExists
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// DequeueTasks atomically claims up to limit due tasks from the given
// queues, sets them to running, and returns them.
func (m *Store) DequeueTasks(_ context.Context, queues []string, limit int) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}
	now := time.Now().UTC()

	candidates := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.State != task.StatePending && t.State != task.StateRetrying {
			continue
		}
		if !t.RunAt.IsZero() && t.RunAt.After(now) {
			continue
		}
		if len(queueSet) > 0 {
			if _, ok := queueSet[t.Queue]; !ok {
				continue
			}
		}
		candidates = append(candidates, t)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].RunAt.Before(candidates[j].RunAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*task.Task, 0, len(candidates))
	for _, t := range candidates {
		t.State = task.StateRunning
		t.StartedAt = &now
		t.HeartbeatAt = &now
		t.Touch()
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, rewind.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing task.
func (m *Store) UpdateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return rewind.ErrTaskNotFound
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// DeleteTask removes a task by ID.
func (m *Store) DeleteTask(_ context.Context, taskID id.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID.String())
	return nil
}

// ListTasksByState returns tasks in the given state, oldest first.
func (m *Store) ListTasksByState(_ context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.State != state {
			continue
		}
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, opts.Limit, opts.Offset), nil
}

// ListTasksByRun returns every task of a run, oldest first.
func (m *Store) ListTasksByRun(_ context.Context, runID id.RunID) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.RunID != runID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// HeartbeatTask refreshes the lease on a running task.
func (m *Store) HeartbeatTask(_ context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return rewind.ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.WorkerID = workerID
	t.HeartbeatAt = &now
	t.Touch()
	return nil
}

// ReapStaleTasks returns running tasks whose heartbeat is older than
// the threshold.
func (m *Store) ReapStaleTasks(_ context.Context, threshold time.Duration) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.State != task.StateRunning {
			continue
		}
		hb := t.CreatedAt
		if t.HeartbeatAt != nil {
			hb = *t.HeartbeatAt
		}
		if hb.After(cutoff) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// CountTasks returns the number of tasks matching the options.
func (m *Store) CountTasks(_ context.Context, opts task.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, t := range m.tasks {
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		n++
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Worker registry
// ──────────────────────────────────────────────────

// RegisterWorker adds a worker record.
func (m *Store) RegisterWorker(_ context.Context, w *worker.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workers[w.ID.String()] = &cp
	return nil
}

// HeartbeatWorker refreshes a worker's liveness timestamp.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return rewind.ErrWorkerNotFound
	}
	w.HeartbeatAt = time.Now().UTC()
	w.Touch()
	return nil
}

// DeregisterWorker removes a worker record.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID.String())
	return nil
}

// ListWorkers returns all registered workers.
func (m *Store) ListWorkers(_ context.Context) ([]*worker.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// ReapStaleWorkers removes workers whose heartbeat is older than the
// threshold.
func (m *Store) ReapStaleWorkers(_ context.Context, threshold time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	removed := 0
	for key, w := range m.workers {
		if w.HeartbeatAt.After(cutoff) {
			continue
		}
		delete(m.workers, key)
		removed++
	}
	return removed, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
