package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/QualityUnit/rewind/ext"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.RunStarted    = (*Extension)(nil)
	_ ext.RunSuspended  = (*Extension)(nil)
	_ ext.RunResumed    = (*Extension)(nil)
	_ ext.RunCompleted  = (*Extension)(nil)
	_ ext.RunFailed     = (*Extension)(nil)
	_ ext.RunCancelled  = (*Extension)(nil)
	_ ext.RunRecovered  = (*Extension)(nil)
	_ ext.StepCompleted = (*Extension)(nil)
	_ ext.StepFailed    = (*Extension)(nil)
	_ ext.HookCreated   = (*Extension)(nil)
	_ ext.HookReceived  = (*Extension)(nil)
	_ ext.HookExpired   = (*Extension)(nil)
	_ ext.TaskEnqueued  = (*Extension)(nil)
)

// Recorder is the interface audit backends implement. It is defined
// locally so this package carries no backend dependency — callers
// inject their concrete trail at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is the structured audit record handed to the Recorder.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges lifecycle events to an audit trail backend. Each
// lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided
// Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Run lifecycle hooks ─────────────────────────────

// OnRunStarted implements ext.RunStarted.
func (e *Extension) OnRunStarted(ctx context.Context, r *workflow.Run) error {
	return e.record(ctx, ActionRunStarted, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID.String(), CategoryRun, nil,
		"workflow", r.Workflow,
	)
}

// OnRunSuspended implements ext.RunSuspended.
func (e *Extension) OnRunSuspended(ctx context.Context, r *workflow.Run, s *workflow.Suspension) error {
	meta := []any{
		"workflow", r.Workflow,
		"reason", string(s.Reason),
	}
	if !s.ResumeAt.IsZero() {
		meta = append(meta, "resume_at", s.ResumeAt.Format(time.RFC3339))
	}
	return e.record(ctx, ActionRunSuspended, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID.String(), CategoryRun, nil, meta...)
}

// OnRunResumed implements ext.RunResumed.
func (e *Extension) OnRunResumed(ctx context.Context, r *workflow.Run) error {
	return e.record(ctx, ActionRunResumed, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID.String(), CategoryRun, nil,
		"workflow", r.Workflow,
	)
}

// OnRunCompleted implements ext.RunCompleted.
func (e *Extension) OnRunCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error {
	return e.record(ctx, ActionRunCompleted, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID.String(), CategoryRun, nil,
		"workflow", r.Workflow,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnRunFailed implements ext.RunFailed.
func (e *Extension) OnRunFailed(ctx context.Context, r *workflow.Run, runErr error) error {
	return e.record(ctx, ActionRunFailed, SeverityCritical, OutcomeFailure,
		ResourceRun, r.ID.String(), CategoryRun, runErr,
		"workflow", r.Workflow,
		"recovery_attempts", r.RecoveryAttempts,
	)
}

// OnRunCancelled implements ext.RunCancelled.
func (e *Extension) OnRunCancelled(ctx context.Context, r *workflow.Run) error {
	return e.record(ctx, ActionRunCancelled, SeverityWarning, OutcomeSuccess,
		ResourceRun, r.ID.String(), CategoryRun, nil,
		"workflow", r.Workflow,
	)
}

// OnRunRecovered implements ext.RunRecovered.
func (e *Extension) OnRunRecovered(ctx context.Context, r *workflow.Run, attempt int) error {
	return e.record(ctx, ActionRunRecovered, SeverityWarning, OutcomeSuccess,
		ResourceRun, r.ID.String(), CategoryRun, nil,
		"workflow", r.Workflow,
		"attempt", attempt,
		"max_attempts", r.MaxRecoveryAttempts,
	)
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepCompleted implements ext.StepCompleted.
func (e *Extension) OnStepCompleted(ctx context.Context, r *workflow.Run, step *workflow.StepExecution) error {
	return e.record(ctx, ActionStepCompleted, SeverityInfo, OutcomeSuccess,
		ResourceStep, step.StepID, CategoryStep, nil,
		"workflow", r.Workflow,
		"run_id", r.ID.String(),
		"step_name", step.Name,
		"attempt", step.Attempt,
	)
}

// OnStepFailed implements ext.StepFailed.
func (e *Extension) OnStepFailed(ctx context.Context, r *workflow.Run, step *workflow.StepExecution, stepErr error) error {
	return e.record(ctx, ActionStepFailed, SeverityCritical, OutcomeFailure,
		ResourceStep, step.StepID, CategoryStep, stepErr,
		"workflow", r.Workflow,
		"run_id", r.ID.String(),
		"step_name", step.Name,
		"attempt", step.Attempt,
		"max_retries", step.MaxRetries,
	)
}

// ── Hook lifecycle hooks ────────────────────────────

// OnHookCreated implements ext.HookCreated.
func (e *Extension) OnHookCreated(ctx context.Context, h *workflow.HookRecord) error {
	return e.record(ctx, ActionHookCreated, SeverityInfo, OutcomeSuccess,
		ResourceHook, h.HookID, CategoryHook, nil,
		"run_id", h.RunID.String(),
		"hook_name", h.Name,
	)
}

// OnHookReceived implements ext.HookReceived.
func (e *Extension) OnHookReceived(ctx context.Context, h *workflow.HookRecord) error {
	return e.record(ctx, ActionHookReceived, SeverityInfo, OutcomeSuccess,
		ResourceHook, h.HookID, CategoryHook, nil,
		"run_id", h.RunID.String(),
		"hook_name", h.Name,
	)
}

// OnHookExpired implements ext.HookExpired.
func (e *Extension) OnHookExpired(ctx context.Context, h *workflow.HookRecord) error {
	return e.record(ctx, ActionHookExpired, SeverityWarning, OutcomeFailure,
		ResourceHook, h.HookID, CategoryHook, nil,
		"run_id", h.RunID.String(),
		"hook_name", h.Name,
	)
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskEnqueued implements ext.TaskEnqueued.
func (e *Extension) OnTaskEnqueued(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"run_id", t.RunID.String(),
		"kind", string(t.Kind),
		"queue", t.Queue,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// kvPairs is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
