// Package worker provides the task execution engine — an Executor that
// drives run invocations through middleware, and a Pool that manages
// concurrent worker goroutines polling for due tasks.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/QualityUnit/rewind/backoff"
	"github.com/QualityUnit/rewind/middleware"
	"github.com/QualityUnit/rewind/task"
)

// Invoker executes the workflow semantics of a task: loading the run,
// replaying its history, and driving the runner to its next suspension
// or terminal state. The engine implements it.
type Invoker interface {
	Invoke(ctx context.Context, t *task.Task) error
}

// Executor runs a single task through middleware and the Invoker, then
// handles delivery retry logic and task state updates.
//
// Executor retries cover delivery failures only (store outages, crashed
// dependencies); workflow-level step retries are the engine's business
// and look like successful deliveries from here.
type Executor struct {
	invoker Invoker
	store   task.Store
	backoff backoff.Strategy
	mw      middleware.Middleware
	logger  *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	invoker Invoker,
	store task.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		invoker: invoker,
		store:   store,
		backoff: bo,
		mw:      middleware.Chain(mws...),
		logger:  logger,
	}
}

// Execute runs a task through the middleware chain and the Invoker.
// On success: marks the task completed.
// On failure with attempts remaining: marks retrying with backoff.
// On failure with attempts exhausted: marks the task failed.
func (e *Executor) Execute(ctx context.Context, t *task.Task) error {
	start := time.Now().UTC()
	t.StartedAt = &start

	terminal := func(ctx context.Context) error {
		return e.invoker.Invoke(ctx, t)
	}

	err := e.mw(ctx, t, terminal)

	now := time.Now().UTC()
	t.Touch()

	if err != nil {
		return e.handleFailure(ctx, t, err, now)
	}

	t.State = task.StateCompleted
	t.CompletedAt = &now
	if updateErr := e.store.UpdateTask(ctx, t); updateErr != nil {
		e.logger.Error("failed to update task after success",
			slog.String("task_id", t.ID.String()),
			slog.String("run_id", t.RunID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}
	return nil
}

// handleFailure increments the attempt counter and either schedules a
// redelivery or gives up on the task.
func (e *Executor) handleFailure(ctx context.Context, t *task.Task, invokeErr error, now time.Time) error {
	t.Attempts++
	t.LastError = invokeErr.Error()

	if t.Attempts <= t.MaxAttempts {
		delay := e.backoff.Delay(t.Attempts)
		t.RunAt = now.Add(delay)
		t.State = task.StateRetrying

		if updateErr := e.store.UpdateTask(ctx, t); updateErr != nil {
			e.logger.Error("failed to update task for redelivery",
				slog.String("task_id", t.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			return updateErr
		}

		e.logger.Info("task scheduled for redelivery",
			slog.String("task_id", t.ID.String()),
			slog.String("run_id", t.RunID.String()),
			slog.Int("attempt", t.Attempts),
			slog.Int("max_attempts", t.MaxAttempts),
			slog.Duration("delay", delay),
		)
		return fmt.Errorf("task %s delivery %d/%d: %w", t.ID, t.Attempts, t.MaxAttempts, invokeErr)
	}

	t.State = task.StateFailed
	if updateErr := e.store.UpdateTask(ctx, t); updateErr != nil {
		e.logger.Error("failed to update task as failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.logger.Warn("task abandoned after exhausting delivery attempts",
		slog.String("task_id", t.ID.String()),
		slog.String("run_id", t.RunID.String()),
		slog.Int("attempts", t.Attempts),
		slog.String("error", invokeErr.Error()),
	)
	return invokeErr
}
