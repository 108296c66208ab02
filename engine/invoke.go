package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/ext"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

// Invoke delivers one dispatch task: it loads the run, replays its
// event log, and executes the workflow body until it settles or
// suspends again. Invoke is the worker.Invoker implementation, so every
// dequeued task lands here after the middleware chain.
//
// Tasks are delivered at least once, so Invoke must tolerate
// duplicates: a task for a terminal run is a no-op, and resuming a run
// that is not actually due simply re-suspends it.
func (e *Engine) Invoke(ctx context.Context, t *task.Task) error {
	run, err := e.store.GetRun(ctx, t.RunID)
	if err != nil {
		return fmt.Errorf("load run for task %s: %w", t.ID, err)
	}

	switch run.Status {
	case workflow.StatusPending:
		return e.invokeRun(ctx, run, true)
	case workflow.StatusSuspended:
		return e.invokeRun(ctx, run, false)
	case workflow.StatusRunning, workflow.StatusInterrupted:
		// The run claims a live invocation, yet its task lease went
		// stale enough to be redelivered. Treat it as a crash of the
		// previous worker.
		return e.recoverRun(ctx, run)
	default:
		// Terminal: a late or duplicate delivery. Nothing to do.
		e.logger.Debug("dropping task for settled run",
			"task_id", t.ID, "run_id", run.ID, "status", run.Status)
		return nil
	}
}

// recoverRun handles a run found mid-invocation by a redelivered task.
// It records the interruption and, while recovery attempts remain,
// re-invokes the run; replay restores it to the exact step it had
// reached.
func (e *Engine) recoverRun(ctx context.Context, run *workflow.Run) error {
	run.RecoveryAttempts++
	if err := e.record(ctx, run.ID, event.WorkflowInterrupted, map[string]any{
		"recovery_attempts": run.RecoveryAttempts,
	}); err != nil {
		return err
	}

	if run.RecoveryAttempts > run.MaxRecoveryAttempts {
		err := fmt.Errorf("recovery attempts exhausted after %d interruptions", run.RecoveryAttempts)
		e.logger.Error("run failed after repeated interruptions",
			"run_id", run.ID, "workflow", run.Workflow,
			"attempts", run.RecoveryAttempts)
		return e.finalizeFailed(ctx, run, err)
	}

	if err := e.record(ctx, run.ID, event.WorkflowRecovered, map[string]any{
		"attempt": run.RecoveryAttempts,
	}); err != nil {
		return err
	}
	run.Touch()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.extensions.EmitRunRecovered(ctx, run, run.RecoveryAttempts)
	e.logger.Warn("recovering interrupted run",
		"run_id", run.ID, "workflow", run.Workflow,
		"attempt", run.RecoveryAttempts)

	return e.invokeRun(ctx, run, false)
}

// invokeRun executes one invocation of a durable run: replay the log,
// run the body, settle the outcome.
func (e *Engine) invokeRun(ctx context.Context, run *workflow.Run, first bool) error {
	def, err := e.registry.Get(run.Workflow)
	if err != nil {
		// This process does not serve the workflow. Fail delivery so
		// the task retries and, with luck, lands on a process that does.
		return fmt.Errorf("run %s: %w", run.ID, err)
	}

	startedAt := time.Now().UTC()
	if first {
		if err := e.record(ctx, run.ID, event.WorkflowStarted, map[string]any{
			"workflow": run.Workflow,
			"input":    string(run.Input),
		}); err != nil {
			return err
		}
		run.StartedAt = &startedAt
	} else {
		if err := e.record(ctx, run.ID, event.WorkflowResumed, nil); err != nil {
			return err
		}
	}

	run.Status = workflow.StatusRunning
	run.WakeAt = nil
	run.Touch()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	if first {
		e.extensions.EmitRunStarted(ctx, run)
	} else {
		e.extensions.EmitRunResumed(ctx, run)
	}

	events, err := e.store.GetEvents(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load event log: %w", err)
	}

	wctx := workflow.NewContext(ctx, run.ID, run.Workflow, e.store, e.logger)
	wctx.SetStepWriter(e.store)
	wctx.SetStepObserver(stepEmitter{exts: e.extensions, run: run})
	wctx.SetCancellationPoller(func(ctx context.Context) (bool, error) {
		return e.store.CancellationRequested(ctx, run.ID)
	})
	wctx.SetMetadata(run.Metadata)
	wctx.Replay(events)

	result, runErr := def.Runner(wctx, run.Input)
	run.Metadata = wctx.Metadata()

	switch {
	case runErr == nil:
		return e.finalizeCompleted(ctx, run, result, startedAt)
	case errors.Is(runErr, rewind.ErrRunCancelled):
		return e.finalizeCancelled(ctx, run)
	default:
		if s, ok := workflow.AsSuspension(runErr); ok {
			return e.suspendRun(ctx, run, s)
		}
		return e.finalizeFailed(ctx, run, runErr)
	}
}

// suspendRun parks a run that hit a suspension point. Sleep and retry
// suspensions hand their wake time to the runtime; hook suspensions
// wait for delivery (or the expiry sweeper) to wake the run.
func (e *Engine) suspendRun(ctx context.Context, run *workflow.Run, s *workflow.Suspension) error {
	// A cancellation requested while this invocation was live has not
	// been replayed yet. Settle it here instead of parking the run.
	cancelled, err := e.store.CancellationRequested(ctx, run.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return e.finalizeCancelled(ctx, run)
	}

	data := map[string]any{
		"reason": string(s.Reason),
		"id":     s.ID,
	}
	if !s.ResumeAt.IsZero() {
		data["resume_at"] = s.ResumeAt.Format(time.RFC3339Nano)
	}
	if err := e.record(ctx, run.ID, event.WorkflowSuspended, data); err != nil {
		return err
	}

	run.Status = workflow.StatusSuspended
	if !s.ResumeAt.IsZero() {
		at := s.ResumeAt.UTC()
		run.WakeAt = &at
	}
	run.Touch()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	if s.Reason == workflow.SuspendHook && s.Token != "" {
		if err := e.materializeHook(ctx, run, s); err != nil {
			return err
		}
	}
	e.extensions.EmitRunSuspended(ctx, run, s)

	if s.Reason != workflow.SuspendHook && !s.ResumeAt.IsZero() {
		if err := e.runtime.ScheduleWake(ctx, run, s.ResumeAt); err != nil {
			return fmt.Errorf("schedule resume: %w", err)
		}
	}

	e.logger.Info("run suspended",
		"run_id", run.ID,
		"workflow", run.Workflow,
		"reason", s.Reason,
		"wake_at", s.ResumeAt,
	)
	return nil
}

// materializeHook creates the queryable hook record the first time a
// run suspends on a given hook. Re-suspensions on the same hook find
// the existing record.
func (e *Engine) materializeHook(ctx context.Context, run *workflow.Run, s *workflow.Suspension) error {
	_, err := e.store.GetHookByToken(ctx, s.Token)
	if err == nil {
		return nil
	}
	if !errors.Is(err, rewind.ErrHookNotFound) {
		return err
	}

	h := &workflow.HookRecord{
		Entity: rewind.NewEntity(),
		RunID:  run.ID,
		HookID: s.ID,
		Name:   s.Name,
		Token:  s.Token,
		Status: workflow.HookStatusPending,
	}
	if !s.ResumeAt.IsZero() {
		at := s.ResumeAt.UTC()
		h.ExpiresAt = &at
	}
	if err := e.store.CreateHook(ctx, h); err != nil {
		if errors.Is(err, rewind.ErrHookAlreadyExists) {
			return nil
		}
		return err
	}
	e.extensions.EmitHookCreated(ctx, h)
	return nil
}

// finalizeCompleted settles a successful run.
func (e *Engine) finalizeCompleted(ctx context.Context, run *workflow.Run, result []byte, startedAt time.Time) error {
	if err := e.record(ctx, run.ID, event.WorkflowCompleted, map[string]any{
		"result": string(result),
	}); err != nil {
		return err
	}
	now := time.Now().UTC()
	run.Status = workflow.StatusCompleted
	run.Result = result
	run.CompletedAt = &now
	run.Touch()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.settleTerminal(ctx, run)

	elapsed := now.Sub(startedAt)
	if run.StartedAt != nil {
		elapsed = now.Sub(*run.StartedAt)
	}
	e.extensions.EmitRunCompleted(ctx, run, elapsed)
	e.logger.Info("run completed",
		"run_id", run.ID, "workflow", run.Workflow, "elapsed", elapsed)
	return nil
}

// finalizeFailed settles a run whose body returned a non-suspension
// error. A workflow failure is a delivered outcome, so the task itself
// succeeds: nil is returned and delivery does not retry.
func (e *Engine) finalizeFailed(ctx context.Context, run *workflow.Run, runErr error) error {
	if err := e.record(ctx, run.ID, event.WorkflowFailed, map[string]any{
		"error":      runErr.Error(),
		"error_type": fmt.Sprintf("%T", runErr),
	}); err != nil {
		return err
	}
	now := time.Now().UTC()
	run.Status = workflow.StatusFailed
	run.Error = runErr.Error()
	run.CompletedAt = &now
	run.Touch()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.settleTerminal(ctx, run)
	e.extensions.EmitRunFailed(ctx, run, runErr)
	e.logger.Error("run failed",
		"run_id", run.ID, "workflow", run.Workflow, "error", runErr)
	return nil
}

// finalizeCancelled settles a run that observed its cancellation flag.
func (e *Engine) finalizeCancelled(ctx context.Context, run *workflow.Run) error {
	if err := e.record(ctx, run.ID, event.WorkflowCancelled, nil); err != nil {
		return err
	}
	now := time.Now().UTC()
	run.Status = workflow.StatusCancelled
	run.CompletedAt = &now
	run.Touch()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.settleTerminal(ctx, run)
	e.extensions.EmitRunCancelled(ctx, run)
	e.logger.Info("run cancelled", "run_id", run.ID, "workflow", run.Workflow)
	return nil
}

// settleTerminal cleans up after a run reaches a terminal state:
// pending hooks are disposed so late deliveries are rejected, the
// cancellation flag is cleared, and undelivered tasks are discarded.
// Best effort; failures are logged, not propagated, because the run
// itself has already settled.
func (e *Engine) settleTerminal(ctx context.Context, run *workflow.Run) {
	e.disposePendingHooks(ctx, run.ID)
	if err := e.store.ClearCancellation(ctx, run.ID); err != nil {
		e.logger.Warn("failed to clear cancellation flag",
			"run_id", run.ID, "error", err)
	}
	e.discardPendingTasks(ctx, run.ID)
}

func (e *Engine) disposePendingHooks(ctx context.Context, runID id.RunID) {
	hooks, err := e.store.GetHooks(ctx, runID)
	if err != nil {
		e.logger.Warn("failed to list hooks for disposal",
			"run_id", runID, "error", err)
		return
	}
	for _, h := range hooks {
		if h.Status != workflow.HookStatusPending {
			continue
		}
		if err := e.record(ctx, runID, event.HookDisposed, map[string]any{
			"hook_id": h.HookID,
		}); err != nil {
			e.logger.Warn("failed to record hook disposal",
				"run_id", runID, "hook_id", h.HookID, "error", err)
			continue
		}
		h.Status = workflow.HookStatusDisposed
		h.Touch()
		if err := e.store.UpdateHook(ctx, h); err != nil {
			e.logger.Warn("failed to dispose hook",
				"run_id", runID, "hook_id", h.HookID, "error", err)
		}
	}
}

func (e *Engine) discardPendingTasks(ctx context.Context, runID id.RunID) {
	tasks, err := e.store.ListTasksByRun(ctx, runID)
	if err != nil {
		e.logger.Warn("failed to list tasks for discard",
			"run_id", runID, "error", err)
		return
	}
	for _, t := range tasks {
		if t.State != task.StatePending && t.State != task.StateRetrying {
			continue
		}
		t.State = task.StateCancelled
		t.Touch()
		if err := e.store.UpdateTask(ctx, t); err != nil {
			e.logger.Warn("failed to discard task",
				"run_id", runID, "task_id", t.ID, "error", err)
		}
	}
}

// stepEmitter fans step settlements out to the lifecycle extensions.
// It implements workflow.StepObserver for one invocation of one run.
type stepEmitter struct {
	exts *ext.Registry
	run  *workflow.Run
}

func (s stepEmitter) StepCompleted(ctx context.Context, step *workflow.StepExecution) {
	s.exts.EmitStepCompleted(ctx, s.run, step)
}

func (s stepEmitter) StepFailed(ctx context.Context, step *workflow.StepExecution, err error) {
	s.exts.EmitStepFailed(ctx, s.run, step, err)
}
