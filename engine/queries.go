package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/workflow"
)

// GetRun returns a run by ID.
func (e *Engine) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns returns runs matching the filter, newest first.
func (e *Engine) ListRuns(ctx context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// GetEvents returns a run's event log in sequence order.
func (e *Engine) GetEvents(ctx context.Context, runID id.RunID, types ...event.Type) ([]*event.Event, error) {
	return e.store.GetEvents(ctx, runID, types...)
}

// GetSteps returns a run's step executions in start order.
func (e *Engine) GetSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepExecution, error) {
	return e.store.GetSteps(ctx, runID)
}

// GetHooks returns a run's hooks in creation order.
func (e *Engine) GetHooks(ctx context.Context, runID id.RunID) ([]*workflow.HookRecord, error) {
	return e.store.GetHooks(ctx, runID)
}

// TimelineEntry is a human-readable rendering of one event.
type TimelineEntry struct {
	Sequence  int64      `json:"sequence"`
	Type      event.Type `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Summary   string     `json:"summary"`
}

// Timeline renders a run's event log as an ordered, annotated history.
// Intended for debugging and operator tooling.
func (e *Engine) Timeline(ctx context.Context, runID id.RunID) ([]TimelineEntry, error) {
	events, err := e.store.GetEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	entries := make([]TimelineEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, TimelineEntry{
			Sequence:  ev.Sequence,
			Type:      ev.Type,
			Timestamp: ev.Timestamp,
			Summary:   summarize(ev),
		})
	}
	return entries, nil
}

func summarize(ev *event.Event) string {
	switch ev.Type {
	case event.WorkflowStarted:
		return fmt.Sprintf("workflow %q started", ev.String("workflow"))
	case event.WorkflowCompleted:
		return "workflow completed"
	case event.WorkflowFailed:
		return fmt.Sprintf("workflow failed: %s", ev.String("error"))
	case event.WorkflowSuspended:
		if at := ev.Time("resume_at"); !at.IsZero() {
			return fmt.Sprintf("suspended (%s) until %s", ev.String("reason"), at.Format(time.RFC3339))
		}
		return fmt.Sprintf("suspended (%s)", ev.String("reason"))
	case event.WorkflowResumed:
		return "workflow resumed"
	case event.WorkflowCancelled:
		return "workflow cancelled"
	case event.WorkflowInterrupted:
		return fmt.Sprintf("interrupted (recovery attempt %d)", ev.Int("recovery_attempts"))
	case event.WorkflowRecovered:
		return fmt.Sprintf("recovered (attempt %d)", ev.Int("attempt"))
	case event.StepStarted:
		return fmt.Sprintf("step %q attempt %d started", ev.String("name"), ev.Int("attempt"))
	case event.StepCompleted:
		return fmt.Sprintf("step %q completed", ev.String("name"))
	case event.StepFailed:
		return fmt.Sprintf("step %q failed: %s", ev.String("name"), ev.String("error"))
	case event.StepRetrying:
		return fmt.Sprintf("step %q retrying at %s", ev.String("name"), ev.Time("resume_at").Format(time.RFC3339))
	case event.SleepStarted:
		return fmt.Sprintf("sleeping until %s", ev.Time("resume_at").Format(time.RFC3339))
	case event.SleepCompleted:
		return "sleep completed"
	case event.HookCreated:
		return fmt.Sprintf("hook %q created", ev.String("name"))
	case event.HookReceived:
		return fmt.Sprintf("hook %s received a payload", ev.String("hook_id"))
	case event.HookExpired:
		return fmt.Sprintf("hook %s expired", ev.String("hook_id"))
	case event.HookDisposed:
		return fmt.Sprintf("hook %s disposed", ev.String("hook_id"))
	case event.CancellationRequested:
		return "cancellation requested"
	default:
		return string(ev.Type)
	}
}
