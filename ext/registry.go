package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type runStartedEntry struct {
	name string
	hook RunStarted
}

type runSuspendedEntry struct {
	name string
	hook RunSuspended
}

type runResumedEntry struct {
	name string
	hook RunResumed
}

type runCompletedEntry struct {
	name string
	hook RunCompleted
}

type runFailedEntry struct {
	name string
	hook RunFailed
}

type runCancelledEntry struct {
	name string
	hook RunCancelled
}

type runRecoveredEntry struct {
	name string
	hook RunRecovered
}

type stepCompletedEntry struct {
	name string
	hook StepCompleted
}

type stepFailedEntry struct {
	name string
	hook StepFailed
}

type hookCreatedEntry struct {
	name string
	hook HookCreated
}

type hookReceivedEntry struct {
	name string
	hook HookReceived
}

type hookExpiredEntry struct {
	name string
	hook HookExpired
}

type taskEnqueuedEntry struct {
	name string
	hook TaskEnqueued
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	runStarted    []runStartedEntry
	runSuspended  []runSuspendedEntry
	runResumed    []runResumedEntry
	runCompleted  []runCompletedEntry
	runFailed     []runFailedEntry
	runCancelled  []runCancelledEntry
	runRecovered  []runRecoveredEntry
	stepCompleted []stepCompletedEntry
	stepFailed    []stepFailedEntry
	hookCreated   []hookCreatedEntry
	hookReceived  []hookReceivedEntry
	hookExpired   []hookExpiredEntry
	taskEnqueued  []taskEnqueuedEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(RunStarted); ok {
		r.runStarted = append(r.runStarted, runStartedEntry{name, h})
	}
	if h, ok := e.(RunSuspended); ok {
		r.runSuspended = append(r.runSuspended, runSuspendedEntry{name, h})
	}
	if h, ok := e.(RunResumed); ok {
		r.runResumed = append(r.runResumed, runResumedEntry{name, h})
	}
	if h, ok := e.(RunCompleted); ok {
		r.runCompleted = append(r.runCompleted, runCompletedEntry{name, h})
	}
	if h, ok := e.(RunFailed); ok {
		r.runFailed = append(r.runFailed, runFailedEntry{name, h})
	}
	if h, ok := e.(RunCancelled); ok {
		r.runCancelled = append(r.runCancelled, runCancelledEntry{name, h})
	}
	if h, ok := e.(RunRecovered); ok {
		r.runRecovered = append(r.runRecovered, runRecoveredEntry{name, h})
	}
	if h, ok := e.(StepCompleted); ok {
		r.stepCompleted = append(r.stepCompleted, stepCompletedEntry{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, stepFailedEntry{name, h})
	}
	if h, ok := e.(HookCreated); ok {
		r.hookCreated = append(r.hookCreated, hookCreatedEntry{name, h})
	}
	if h, ok := e.(HookReceived); ok {
		r.hookReceived = append(r.hookReceived, hookReceivedEntry{name, h})
	}
	if h, ok := e.(HookExpired); ok {
		r.hookExpired = append(r.hookExpired, hookExpiredEntry{name, h})
	}
	if h, ok := e.(TaskEnqueued); ok {
		r.taskEnqueued = append(r.taskEnqueued, taskEnqueuedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Run event emitters
// ──────────────────────────────────────────────────

// EmitRunStarted notifies all extensions that implement RunStarted.
func (r *Registry) EmitRunStarted(ctx context.Context, run *workflow.Run) {
	for _, e := range r.runStarted {
		if err := e.hook.OnRunStarted(ctx, run); err != nil {
			r.logHookError("OnRunStarted", e.name, err)
		}
	}
}

// EmitRunSuspended notifies all extensions that implement RunSuspended.
func (r *Registry) EmitRunSuspended(ctx context.Context, run *workflow.Run, s *workflow.Suspension) {
	for _, e := range r.runSuspended {
		if err := e.hook.OnRunSuspended(ctx, run, s); err != nil {
			r.logHookError("OnRunSuspended", e.name, err)
		}
	}
}

// EmitRunResumed notifies all extensions that implement RunResumed.
func (r *Registry) EmitRunResumed(ctx context.Context, run *workflow.Run) {
	for _, e := range r.runResumed {
		if err := e.hook.OnRunResumed(ctx, run); err != nil {
			r.logHookError("OnRunResumed", e.name, err)
		}
	}
}

// EmitRunCompleted notifies all extensions that implement RunCompleted.
func (r *Registry) EmitRunCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) {
	for _, e := range r.runCompleted {
		if err := e.hook.OnRunCompleted(ctx, run, elapsed); err != nil {
			r.logHookError("OnRunCompleted", e.name, err)
		}
	}
}

// EmitRunFailed notifies all extensions that implement RunFailed.
func (r *Registry) EmitRunFailed(ctx context.Context, run *workflow.Run, runErr error) {
	for _, e := range r.runFailed {
		if err := e.hook.OnRunFailed(ctx, run, runErr); err != nil {
			r.logHookError("OnRunFailed", e.name, err)
		}
	}
}

// EmitRunCancelled notifies all extensions that implement RunCancelled.
func (r *Registry) EmitRunCancelled(ctx context.Context, run *workflow.Run) {
	for _, e := range r.runCancelled {
		if err := e.hook.OnRunCancelled(ctx, run); err != nil {
			r.logHookError("OnRunCancelled", e.name, err)
		}
	}
}

// EmitRunRecovered notifies all extensions that implement RunRecovered.
func (r *Registry) EmitRunRecovered(ctx context.Context, run *workflow.Run, attempt int) {
	for _, e := range r.runRecovered {
		if err := e.hook.OnRunRecovered(ctx, run, attempt); err != nil {
			r.logHookError("OnRunRecovered", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepCompleted notifies all extensions that implement StepCompleted.
func (r *Registry) EmitStepCompleted(ctx context.Context, run *workflow.Run, step *workflow.StepExecution) {
	for _, e := range r.stepCompleted {
		if err := e.hook.OnStepCompleted(ctx, run, step); err != nil {
			r.logHookError("OnStepCompleted", e.name, err)
		}
	}
}

// EmitStepFailed notifies all extensions that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, run *workflow.Run, step *workflow.StepExecution, stepErr error) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, run, step, stepErr); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Hook event emitters
// ──────────────────────────────────────────────────

// EmitHookCreated notifies all extensions that implement HookCreated.
func (r *Registry) EmitHookCreated(ctx context.Context, hook *workflow.HookRecord) {
	for _, e := range r.hookCreated {
		if err := e.hook.OnHookCreated(ctx, hook); err != nil {
			r.logHookError("OnHookCreated", e.name, err)
		}
	}
}

// EmitHookReceived notifies all extensions that implement HookReceived.
func (r *Registry) EmitHookReceived(ctx context.Context, hook *workflow.HookRecord) {
	for _, e := range r.hookReceived {
		if err := e.hook.OnHookReceived(ctx, hook); err != nil {
			r.logHookError("OnHookReceived", e.name, err)
		}
	}
}

// EmitHookExpired notifies all extensions that implement HookExpired.
func (r *Registry) EmitHookExpired(ctx context.Context, hook *workflow.HookRecord) {
	for _, e := range r.hookExpired {
		if err := e.hook.OnHookExpired(ctx, hook); err != nil {
			r.logHookError("OnHookExpired", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitTaskEnqueued notifies all extensions that implement TaskEnqueued.
func (r *Registry) EmitTaskEnqueued(ctx context.Context, t *task.Task) {
	for _, e := range r.taskEnqueued {
		if err := e.hook.OnTaskEnqueued(ctx, t); err != nil {
			r.logHookError("OnTaskEnqueued", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
