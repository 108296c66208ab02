package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/codec"
	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

// StartOptions configures a single run start.
type StartOptions struct {
	// IdempotencyKey deduplicates starts: a second start with the same
	// key for the same workflow returns the existing run instead of
	// creating a new one.
	IdempotencyKey string

	// Metadata is attached to the run and visible to the workflow body
	// via Context.Metadata.
	Metadata map[string]any

	// Delay postpones the first invocation.
	Delay time.Duration
}

// StartOption configures StartOptions.
type StartOption func(*StartOptions)

// WithIdempotencyKey deduplicates run starts by key.
func WithIdempotencyKey(key string) StartOption {
	return func(o *StartOptions) { o.IdempotencyKey = key }
}

// WithMetadata attaches metadata to the run.
func WithMetadata(md map[string]any) StartOption {
	return func(o *StartOptions) { o.Metadata = md }
}

// WithDelay postpones the run's first invocation.
func WithDelay(d time.Duration) StartOption {
	return func(o *StartOptions) { o.Delay = d }
}

// Start starts a run of a registered workflow with a typed input.
//
// Durable workflows return immediately with a pending run; execution
// happens on the worker pool. Transient workflows execute synchronously
// and return the settled run. With an idempotency key, a duplicate
// start returns the run created by the first one.
func Start[A any](ctx context.Context, e *Engine, workflowName string, arg A, opts ...StartOption) (*workflow.Run, error) {
	input, err := codec.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("encode workflow input: %w", err)
	}
	return e.StartRaw(ctx, workflowName, input, opts...)
}

// StartRaw starts a run with a pre-encoded JSON input.
func (e *Engine) StartRaw(ctx context.Context, workflowName string, input []byte, opts ...StartOption) (*workflow.Run, error) {
	def, err := e.registry.Get(workflowName)
	if err != nil {
		return nil, err
	}
	var o StartOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.IdempotencyKey != "" {
		existing, err := e.store.GetRunByIdempotencyKey(ctx, workflowName, o.IdempotencyKey)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, rewind.ErrRunNotFound):
			return nil, err
		}
	}

	run := &workflow.Run{
		Entity:              rewind.NewEntity(),
		ID:                  id.NewRunID(),
		Workflow:            workflowName,
		Status:              workflow.StatusPending,
		Input:               input,
		IdempotencyKey:      o.IdempotencyKey,
		Metadata:            o.Metadata,
		MaxDuration:         def.Opts.MaxDuration,
		MaxRecoveryAttempts: def.Opts.MaxRecoveryAttempts,
	}

	if def.Opts.Transient {
		// Transient runs never touch the task layer, so a delayed start
		// has nothing to schedule it.
		if o.Delay > 0 {
			return nil, fmt.Errorf("workflow %q: %w", workflowName, rewind.ErrTransientDistributed)
		}
		return run, e.runTransient(ctx, run, def)
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		// Lost a race on the idempotency key: return the winner.
		if errors.Is(err, rewind.ErrRunAlreadyExists) && o.IdempotencyKey != "" {
			return e.store.GetRunByIdempotencyKey(ctx, workflowName, o.IdempotencyKey)
		}
		return nil, err
	}

	if err := e.runtime.Dispatch(ctx, run, o.Delay); err != nil {
		return nil, err
	}
	e.logger.Info("run started",
		"run_id", run.ID,
		"workflow", workflowName,
		"queue", def.Opts.Queue,
	)
	return run, nil
}

// runTransient executes a transient workflow synchronously in the
// caller's goroutine. Nothing is persisted: no run record, no events,
// no replay. Steps execute exactly once, sleeps block inline, retries
// wait out their backoff in place, and hooks are unavailable.
func (e *Engine) runTransient(ctx context.Context, run *workflow.Run, def *workflow.Definition) error {
	if def.Opts.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Opts.MaxDuration)
		defer cancel()
	}

	now := time.Now().UTC()
	run.Status = workflow.StatusRunning
	run.StartedAt = &now
	e.extensions.EmitRunStarted(ctx, run)

	wctx := workflow.NewContext(ctx, run.ID, run.Workflow, nil, e.logger)
	wctx.SetMetadata(run.Metadata)

	result, err := def.Runner(wctx, run.Input)
	done := time.Now().UTC()
	run.CompletedAt = &done
	run.Metadata = wctx.Metadata()
	if err != nil {
		run.Status = workflow.StatusFailed
		run.Error = err.Error()
		e.extensions.EmitRunFailed(ctx, run, err)
		return err
	}
	run.Status = workflow.StatusCompleted
	run.Result = result
	e.extensions.EmitRunCompleted(ctx, run, done.Sub(now))
	return nil
}

// Result decodes a completed run's result into a typed value.
func Result[R any](run *workflow.Run) (R, error) {
	var r R
	if run.Status != workflow.StatusCompleted {
		return r, fmt.Errorf("run %s is %s, not completed", run.ID, run.Status)
	}
	if len(run.Result) == 0 {
		return r, nil
	}
	if err := codec.Unmarshal(run.Result, &r); err != nil {
		return r, fmt.Errorf("decode run result: %w", err)
	}
	return r, nil
}

// Await polls until the run reaches a terminal state or the context is
// cancelled. Intended for tests and small embedded setups; services
// should react to extension callbacks instead of polling.
func (e *Engine) Await(ctx context.Context, runID id.RunID, poll time.Duration) (*workflow.Run, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Resume wakes a parked run without waiting for its wake time: the
// distributed runtime enqueues an immediate resume task, the local
// runtime re-invokes the run in place. Resuming a terminal run is a
// no-op and returns the run unchanged; resuming a run with a live
// invocation fails with ErrRunActive.
func (e *Engine) Resume(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	if run.Status == workflow.StatusRunning {
		return nil, fmt.Errorf("run %s: %w", runID, rewind.ErrRunActive)
	}
	if err := e.runtime.Wake(ctx, run); err != nil {
		return nil, fmt.Errorf("resume run: %w", err)
	}
	// Refetch: the local runtime settles the run inline.
	return e.store.GetRun(ctx, runID)
}

// enqueueResume schedules a resume task for a run, routed to the
// workflow's queue when the definition is registered locally.
func (e *Engine) enqueueResume(ctx context.Context, run *workflow.Run, at time.Time) error {
	queueName := "default"
	if def, err := e.registry.Get(run.Workflow); err == nil {
		queueName = def.Opts.Queue
	}
	t := task.New(task.KindResume, run.ID, queueName, at)
	t.Timeout = run.MaxDuration
	if err := e.store.EnqueueTask(ctx, t); err != nil {
		return err
	}
	e.extensions.EmitTaskEnqueued(ctx, t)
	return nil
}

// record appends an event to a run's log.
func (e *Engine) record(ctx context.Context, runID id.RunID, typ event.Type, data map[string]any) error {
	return e.store.RecordEvent(ctx, event.New(runID, typ, data))
}
