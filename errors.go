package rewind

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("rewind: no store configured")
	ErrStoreClosed = errors.New("rewind: store closed")

	// Not found errors.
	ErrRunNotFound      = errors.New("rewind: run not found")
	ErrWorkflowNotFound = errors.New("rewind: workflow not registered")
	ErrStepNotFound     = errors.New("rewind: step not found")
	ErrHookNotFound     = errors.New("rewind: hook not found")
	ErrTaskNotFound     = errors.New("rewind: task not found")
	ErrWorkerNotFound   = errors.New("rewind: worker not found")

	// Conflict errors.
	ErrRunAlreadyExists  = errors.New("rewind: run already exists")
	ErrTaskAlreadyExists = errors.New("rewind: task already exists")
	ErrHookAlreadyExists = errors.New("rewind: hook already exists")

	// State errors.
	ErrRunActive    = errors.New("rewind: run has a live invocation")
	ErrRunTerminal  = errors.New("rewind: run is in a terminal state")
	ErrRunCancelled = errors.New("rewind: run cancellation requested")
	ErrHookExpired  = errors.New("rewind: hook expired before a payload arrived")
	ErrHookReceived = errors.New("rewind: hook payload already delivered")

	// Capability errors.
	ErrTransientHook        = errors.New("rewind: hooks require a durable workflow")
	ErrTransientDistributed = errors.New("rewind: distributed runtime requires durable workflows")
	ErrLocalDelayed         = errors.New("rewind: delayed starts require the distributed runtime")
)
