// Package ext defines the extension system for Rewind.
// Extensions are notified of lifecycle events (run started, suspended,
// completed, hook received, etc.) and can react to them — logging,
// metrics, audit trails, notifications.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Run lifecycle hooks
// ──────────────────────────────────────────────────

// RunStarted is called when a run begins its first invocation.
type RunStarted interface {
	OnRunStarted(ctx context.Context, run *workflow.Run) error
}

// RunSuspended is called when a run parks on a sleep, hook, or retry.
type RunSuspended interface {
	OnRunSuspended(ctx context.Context, run *workflow.Run, s *workflow.Suspension) error
}

// RunResumed is called when a suspended run is invoked again.
type RunResumed interface {
	OnRunResumed(ctx context.Context, run *workflow.Run) error
}

// RunCompleted is called after a run finishes successfully.
type RunCompleted interface {
	OnRunCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) error
}

// RunFailed is called when a run fails terminally.
type RunFailed interface {
	OnRunFailed(ctx context.Context, run *workflow.Run, err error) error
}

// RunCancelled is called when a run is cancelled.
type RunCancelled interface {
	OnRunCancelled(ctx context.Context, run *workflow.Run) error
}

// RunRecovered is called when crash recovery re-dispatches an
// interrupted run.
type RunRecovered interface {
	OnRunRecovered(ctx context.Context, run *workflow.Run, attempt int) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepCompleted is called after a step completes.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, run *workflow.Run, step *workflow.StepExecution) error
}

// StepFailed is called when a step fails terminally (no more retries).
type StepFailed interface {
	OnStepFailed(ctx context.Context, run *workflow.Run, step *workflow.StepExecution, err error) error
}

// ──────────────────────────────────────────────────
// Hook lifecycle hooks
// ──────────────────────────────────────────────────

// HookCreated is called when a run creates an external hook.
type HookCreated interface {
	OnHookCreated(ctx context.Context, hook *workflow.HookRecord) error
}

// HookReceived is called when a payload is delivered to a hook.
type HookReceived interface {
	OnHookReceived(ctx context.Context, hook *workflow.HookRecord) error
}

// HookExpired is called when a pending hook times out.
type HookExpired interface {
	OnHookExpired(ctx context.Context, hook *workflow.HookRecord) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// TaskEnqueued is called after a dispatch task is enqueued.
type TaskEnqueued interface {
	OnTaskEnqueued(ctx context.Context, t *task.Task) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
