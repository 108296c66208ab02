package workflow

import (
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
)

// HookStatus represents the state of an external hook.
type HookStatus string

const (
	// HookStatusPending means the hook is created and awaiting delivery.
	HookStatusPending HookStatus = "pending"
	// HookStatusReceived means a payload was delivered.
	HookStatusReceived HookStatus = "received"
	// HookStatusExpired means the hook timed out before delivery.
	HookStatusExpired HookStatus = "expired"
	// HookStatusDisposed means the run reached a terminal state with the
	// hook still pending.
	HookStatusDisposed HookStatus = "disposed"
)

// HookRecord is the queryable record of a hook created by a run. The
// token is the external handle: callers deliver payloads by token
// without knowing anything about the run's internals.
type HookRecord struct {
	rewind.Entity

	RunID      id.RunID   `json:"run_id"`
	HookID     string     `json:"hook_id"`
	Name       string     `json:"name"`
	Token      string     `json:"token"`
	Status     HookStatus `json:"status"`
	Payload    []byte     `json:"payload,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

type hookOptions struct {
	timeout   time.Duration
	onCreated func(token string)
}

// HookOption configures a Hook call.
type HookOption func(*hookOptions)

// WithHookTimeout bounds how long the hook waits for delivery. When the
// timeout elapses before a payload arrives the hook expires and the
// Hook call returns ErrHookExpired on resume.
func WithHookTimeout(d time.Duration) HookOption {
	return func(o *hookOptions) { o.timeout = d }
}

// WithOnCreated registers a callback invoked with the hook token the
// first time the hook is created. Typical use is handing the token to
// an external system (sending an approval email, registering a webhook)
// exactly once. The callback does not run on replay.
func WithOnCreated(fn func(token string)) HookOption {
	return func(o *hookOptions) { o.onCreated = fn }
}
