package workflow

import (
	"errors"
	"fmt"
	"time"
)

// SuspendReason identifies why a run suspended.
type SuspendReason string

const (
	// SuspendSleep waits for a timer to elapse.
	SuspendSleep SuspendReason = "sleep"
	// SuspendHook waits for an external payload delivery.
	SuspendHook SuspendReason = "hook"
	// SuspendRetry waits out a backoff delay before re-attempting a step.
	SuspendRetry SuspendReason = "retry"
)

// Suspension is the control signal that unwinds a workflow invocation
// back to the engine. Primitives return it as an error from the user's
// runner function; the engine detects it with errors.As, persists the
// suspended state, and schedules the wake-up. User code must propagate
// it unchanged, which ordinary `if err != nil { return err }` handling
// does for free.
type Suspension struct {
	// Reason says which primitive suspended.
	Reason SuspendReason
	// ID is the deterministic identifier of the suspending primitive
	// (step ID for retries, sleep ID, or hook ID).
	ID string
	// ResumeAt is when the run becomes eligible to resume. Zero for
	// hooks with no timeout.
	ResumeAt time.Time
	// Token is the delivery token for hook suspensions.
	Token string
	// Name is the user-facing primitive name, where one was given.
	// The engine uses it when materializing hook records.
	Name string
}

// Error implements the error interface.
func (s *Suspension) Error() string {
	switch s.Reason {
	case SuspendSleep:
		return fmt.Sprintf("workflow suspended: sleeping until %s (%s)", s.ResumeAt.Format(time.RFC3339), s.ID)
	case SuspendHook:
		return fmt.Sprintf("workflow suspended: awaiting hook %s", s.ID)
	case SuspendRetry:
		return fmt.Sprintf("workflow suspended: retrying %s at %s", s.ID, s.ResumeAt.Format(time.RFC3339))
	default:
		return fmt.Sprintf("workflow suspended: %s", s.ID)
	}
}

// AsSuspension extracts a *Suspension from an error chain, if present.
func AsSuspension(err error) (*Suspension, bool) {
	var s *Suspension
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}
