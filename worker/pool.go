package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/task"
)

// QueueManager controls per-queue rate limiting and concurrency. The
// worker pool calls Acquire before executing a dequeued task and
// Release after execution completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the queue.
	// Returns true if the task is allowed to proceed.
	Acquire(queue string) bool
	// Release decrements the active count for the queue.
	Release(queue string)
}

// Pool manages a set of concurrent worker goroutines that poll for due
// tasks and execute them through the Executor.
type Pool struct {
	store        task.Store
	registry     Store
	executor     *Executor
	concurrency  int
	queues       []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Heartbeat / reaper configuration.
	heartbeatInterval  time.Duration
	staleTaskThreshold time.Duration

	// Queue manager (optional).
	queueManager QueueManager

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	activeTasks map[string]context.CancelFunc
	activeMu    sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will poll.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often workers poll for new tasks.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often the pool sends heartbeats for
// active tasks and its registry record. A zero value disables
// heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleTaskThreshold sets the threshold after which running tasks
// without a heartbeat are considered stale and reaped. A zero value
// disables stale task reaping.
func WithStaleTaskThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleTaskThreshold = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithWorkerRegistry sets the worker registry store. Without it the
// pool runs unregistered, which is fine for single-process setups.
func WithWorkerRegistry(s Store) PoolOption {
	return func(p *Pool) { p.registry = s }
}

// NewPool creates a worker pool.
func NewPool(
	store task.Store,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		concurrency:  10,
		queues:       []string{"default"},
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeTasks:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	if p.registry != nil {
		hostname, _ := os.Hostname()
		now := time.Now().UTC()
		w := &Worker{
			ID:          p.workerID,
			Hostname:    hostname,
			Queues:      p.queues,
			Concurrency: p.concurrency,
			StartedAt:   now,
			HeartbeatAt: now,
		}
		w.CreatedAt = now
		w.UpdatedAt = now
		if err := p.registry.RegisterWorker(ctx, w); err != nil {
			p.logger.Warn("worker registration failed",
				slog.String("worker_id", p.workerID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	// Launch heartbeat goroutine if configured.
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	// Launch reaper goroutine if configured.
	if p.staleTaskThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active tasks are cancelled when time
// runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	// Signal all workers to stop.
	close(p.stopCh)

	// Wait for completion or context deadline.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActiveTasks()
		p.wg.Wait()
	}

	if p.registry != nil {
		if err := p.registry.DeregisterWorker(context.Background(), p.workerID); err != nil {
			p.logger.Warn("worker deregistration failed",
				slog.String("worker_id", p.workerID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		tasks, err := p.store.DequeueTasks(context.Background(), p.queues, 1)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(tasks) == 0 {
			p.sleep()
			continue
		}

		t := tasks[0]
		t.WorkerID = p.workerID

		// Check queue rate limit and concurrency.
		if p.queueManager != nil && !p.queueManager.Acquire(t.Queue) {
			// Rate limited — return the task to pending with a small delay.
			t.State = task.StatePending
			t.WorkerID = id.WorkerID{}
			t.RunAt = time.Now().Add(p.pollInterval)
			if updateErr := p.store.UpdateTask(context.Background(), t); updateErr != nil {
				p.logger.Error("failed to re-enqueue rate-limited task",
					slog.String("task_id", t.ID.String()),
					slog.String("error", updateErr.Error()),
				)
			}
			p.sleep()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.trackTask(t.ID.String(), cancel)

		execErr := p.executor.Execute(ctx, t)
		if execErr != nil {
			p.logger.Debug("task execution failed",
				slog.String("task_id", t.ID.String()),
				slog.String("run_id", t.RunID.String()),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackTask(t.ID.String())
		cancel()

		// Release the queue slot.
		if p.queueManager != nil {
			p.queueManager.Release(t.Queue)
		}
	}
}

// heartbeatLoop periodically sends heartbeats for all active tasks and
// the pool's registry record.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	taskIDs := make([]string, 0, len(p.activeTasks))
	for taskID := range p.activeTasks {
		taskIDs = append(taskIDs, taskID)
	}
	p.activeMu.Unlock()

	for _, taskIDStr := range taskIDs {
		parsedID, parseErr := id.ParseTaskID(taskIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid task id", slog.String("task_id", taskIDStr))
			continue
		}
		if err := p.store.HeartbeatTask(context.Background(), parsedID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("task_id", taskIDStr),
				slog.String("error", err.Error()),
			)
		}
	}

	if p.registry != nil {
		if err := p.registry.HeartbeatWorker(context.Background(), p.workerID); err != nil {
			p.logger.Warn("worker heartbeat failed",
				slog.String("worker_id", p.workerID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically reaps stale tasks whose heartbeat has expired.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleTaskThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStaleTasks()
		}
	}
}

func (p *Pool) reapStaleTasks() {
	stale, err := p.store.ReapStaleTasks(context.Background(), p.staleTaskThreshold)
	if err != nil {
		p.logger.Error("reap stale tasks error", slog.String("error", err.Error()))
		return
	}

	for _, t := range stale {
		t.State = task.StatePending
		t.RunAt = time.Now().UTC()
		t.WorkerID = id.WorkerID{} // Clear the worker assignment.
		t.HeartbeatAt = nil
		t.StartedAt = nil

		if updateErr := p.store.UpdateTask(context.Background(), t); updateErr != nil {
			p.logger.Error("reap: failed to reset stale task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			continue
		}

		p.logger.Info("reaped stale task",
			slog.String("task_id", t.ID.String()),
			slog.String("run_id", t.RunID.String()),
		)
	}

	if p.registry != nil {
		if n, reapErr := p.registry.ReapStaleWorkers(context.Background(), p.staleTaskThreshold); reapErr != nil {
			p.logger.Error("reap stale workers error", slog.String("error", reapErr.Error()))
		} else if n > 0 {
			p.logger.Info("reaped stale workers", slog.Int("count", n))
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackTask(taskID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeTasks[taskID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackTask(taskID string) {
	p.activeMu.Lock()
	delete(p.activeTasks, taskID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveTasks() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for taskID, cancel := range p.activeTasks {
		p.logger.Warn("cancelling active task", slog.String("task_id", taskID))
		cancel()
	}
}
