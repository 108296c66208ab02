// Package event defines the append-only event log: the immutable,
// sequence-numbered record of everything that happened in a run, and
// the ground truth from which all in-memory state is derived.
package event

import (
	"time"

	"github.com/QualityUnit/rewind/id"
)

// Type enumerates every kind of fact the engine records.
type Type string

// Workflow lifecycle events.
const (
	WorkflowStarted     Type = "WORKFLOW_STARTED"
	WorkflowCompleted   Type = "WORKFLOW_COMPLETED"
	WorkflowFailed      Type = "WORKFLOW_FAILED"
	WorkflowSuspended   Type = "WORKFLOW_SUSPENDED"
	WorkflowResumed     Type = "WORKFLOW_RESUMED"
	WorkflowCancelled   Type = "WORKFLOW_CANCELLED"
	WorkflowInterrupted Type = "WORKFLOW_INTERRUPTED"
	WorkflowRecovered   Type = "WORKFLOW_RECOVERED"
)

// Step events.
const (
	StepStarted   Type = "STEP_STARTED"
	StepCompleted Type = "STEP_COMPLETED"
	StepFailed    Type = "STEP_FAILED"
	StepRetrying  Type = "STEP_RETRYING"
)

// Sleep events.
const (
	SleepStarted   Type = "SLEEP_STARTED"
	SleepCompleted Type = "SLEEP_COMPLETED"
)

// Hook events.
const (
	HookCreated  Type = "HOOK_CREATED"
	HookReceived Type = "HOOK_RECEIVED"
	HookExpired  Type = "HOOK_EXPIRED"
	HookDisposed Type = "HOOK_DISPOSED"
)

// Cancellation events.
const (
	CancellationRequested Type = "CANCELLATION_REQUESTED"
)

// Event is an immutable fact about a run. Events for one run, ordered
// by Sequence, form the only authoritative history: no event is ever
// mutated or deleted after RecordEvent returns.
type Event struct {
	ID        id.EventID     `json:"id"`
	RunID     id.RunID       `json:"run_id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  int64          `json:"sequence"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event for the given run with a fresh event ID and the
// current UTC timestamp. Sequence is assigned by the store on record.
func New(runID id.RunID, typ Type, data map[string]any) *Event {
	return &Event{
		ID:        id.NewEventID(),
		RunID:     runID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// String returns a string value from the event payload, or "" when the
// key is absent or not a string.
func (e *Event) String(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// Int returns an integer value from the event payload. JSON round-trips
// numbers as float64, so both representations are accepted.
func (e *Event) Int(key string) int {
	if e.Data == nil {
		return 0
	}
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Time parses an RFC 3339 timestamp from the event payload. Returns the
// zero time when the key is absent or malformed.
func (e *Event) Time(key string) time.Time {
	s := e.String(key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
