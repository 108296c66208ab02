package engine

import (
	"context"
	"fmt"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

// Runtime decides where durable runs execute and how parked runs wake.
//
// The distributed runtime (the default) routes every invocation
// through the task queue, so any worker sharing the store can pick it
// up, and schedules wake-up tasks for timed suspensions. The local
// runtime executes on the calling goroutine and never schedules a
// wake: a suspended run stays parked until Resume, DeliverHook, or the
// hook expiry sweep re-invokes it.
type Runtime interface {
	// Dispatch begins the first invocation of a freshly created run.
	Dispatch(ctx context.Context, run *workflow.Run, delay time.Duration) error

	// ScheduleWake arranges for a timed suspension (sleep, step retry)
	// to resume once its wake time arrives.
	ScheduleWake(ctx context.Context, run *workflow.Run, at time.Time) error

	// Wake re-invokes a parked run immediately.
	Wake(ctx context.Context, run *workflow.Run) error
}

// ── distributed ─────────────────────────────────────

type distributedRuntime struct {
	e *Engine
}

func (r *distributedRuntime) Dispatch(ctx context.Context, run *workflow.Run, delay time.Duration) error {
	def, err := r.e.registry.Get(run.Workflow)
	if err != nil {
		return err
	}
	t := task.New(task.KindStart, run.ID, def.Opts.Queue, time.Now().UTC().Add(delay))
	t.Timeout = run.MaxDuration
	if err := r.e.store.EnqueueTask(ctx, t); err != nil {
		return fmt.Errorf("enqueue start task: %w", err)
	}
	r.e.extensions.EmitTaskEnqueued(ctx, t)
	return nil
}

func (r *distributedRuntime) ScheduleWake(ctx context.Context, run *workflow.Run, at time.Time) error {
	return r.e.enqueueResume(ctx, run, at)
}

func (r *distributedRuntime) Wake(ctx context.Context, run *workflow.Run) error {
	return r.e.enqueueResume(ctx, run, time.Now().UTC())
}

// ── local ───────────────────────────────────────────

type localRuntime struct {
	e *Engine
}

func (r *localRuntime) Dispatch(ctx context.Context, run *workflow.Run, delay time.Duration) error {
	// No scheduler exists to promote a delayed run to eligible.
	if delay > 0 {
		return fmt.Errorf("workflow %q: %w", run.Workflow, rewind.ErrLocalDelayed)
	}
	return r.e.invokeRun(ctx, run, true)
}

func (r *localRuntime) ScheduleWake(_ context.Context, _ *workflow.Run, _ time.Time) error {
	// The run is persisted as suspended with its wake time; resumption
	// is the caller's job.
	return nil
}

func (r *localRuntime) Wake(ctx context.Context, run *workflow.Run) error {
	return r.e.invokeRun(ctx, run, false)
}
