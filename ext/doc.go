// Package ext defines the extension system for Rewind.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnRunCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) error {
//	    log.Printf("run %s completed in %s", run.ID, elapsed)
//	    return nil
//	}
//
// # Run Lifecycle Hooks
//
//   - [RunStarted] — run began its first invocation
//   - [RunSuspended] — run parked on a sleep, hook, or retry
//   - [RunResumed] — suspended run was invoked again
//   - [RunCompleted] — run finished successfully
//   - [RunFailed] — run failed terminally
//   - [RunCancelled] — run was cancelled
//   - [RunRecovered] — crash recovery re-dispatched an interrupted run
//
// # Step Lifecycle Hooks
//
//   - [StepCompleted] — a step finished successfully
//   - [StepFailed] — a step failed with no retries remaining
//
// # Hook Lifecycle Hooks
//
//   - [HookCreated] — a run created an external hook
//   - [HookReceived] — a payload was delivered to a hook
//   - [HookExpired] — a pending hook timed out
//
// # Other Hooks
//
//   - [TaskEnqueued] — a dispatch task was enqueued
//   - [Shutdown] — the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
