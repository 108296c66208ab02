package audit

// Audit event actions. Each constant corresponds to one ext lifecycle
// hook and becomes the Action field of the audit event.
const (
	ActionRunStarted    = "run.started"
	ActionRunSuspended  = "run.suspended"
	ActionRunResumed    = "run.resumed"
	ActionRunCompleted  = "run.completed"
	ActionRunFailed     = "run.failed"
	ActionRunCancelled  = "run.cancelled"
	ActionRunRecovered  = "run.recovered"
	ActionStepCompleted = "step.completed"
	ActionStepFailed    = "step.failed"
	ActionHookCreated   = "hook.created"
	ActionHookReceived  = "hook.received"
	ActionHookExpired   = "hook.expired"
	ActionTaskEnqueued  = "task.enqueued"
)

// Categories group actions by subsystem.
const (
	CategoryRun  = "rewind.run"
	CategoryStep = "rewind.step"
	CategoryHook = "rewind.hook"
	CategoryTask = "rewind.task"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceRun  = "workflow_run"
	ResourceStep = "workflow_step"
	ResourceHook = "hook"
	ResourceTask = "task"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionRunStarted,
		ActionRunSuspended,
		ActionRunResumed,
		ActionRunCompleted,
		ActionRunFailed,
		ActionRunCancelled,
		ActionRunRecovered,
		ActionStepCompleted,
		ActionStepFailed,
		ActionHookCreated,
		ActionHookReceived,
		ActionHookExpired,
		ActionTaskEnqueued,
	}
}
