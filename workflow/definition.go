package workflow

import (
	"fmt"
	"time"

	"github.com/QualityUnit/rewind/codec"
)

// RunnerFunc is the untyped workflow body the engine invokes. Input
// and result are canonical JSON; NewWorkflow wraps a typed body into
// this form.
type RunnerFunc func(c *Context, input []byte) ([]byte, error)

// Options carries per-definition behavior set at registration.
type Options struct {
	// Transient disables persistence: no events, no replay, no
	// suspension. Useful for short idempotent flows that only want the
	// retry machinery.
	Transient bool
	// MaxRecoveryAttempts bounds how many times a crashed run is
	// recovered before it fails. Default 3.
	MaxRecoveryAttempts int
	// MaxDuration bounds wall-clock time of a single invocation.
	MaxDuration time.Duration
	// Queue routes the run's tasks to a named worker queue. Empty means
	// the default queue.
	Queue string
}

// WorkflowOption configures a workflow definition.
type WorkflowOption func(*Options)

// WithTransient marks the workflow transient (no persistence).
func WithTransient() WorkflowOption {
	return func(o *Options) { o.Transient = true }
}

// WithMaxRecoveryAttempts bounds crash recovery for runs of this
// workflow.
func WithMaxRecoveryAttempts(n int) WorkflowOption {
	return func(o *Options) { o.MaxRecoveryAttempts = n }
}

// WithMaxDuration bounds a single invocation of this workflow.
func WithMaxDuration(d time.Duration) WorkflowOption {
	return func(o *Options) { o.MaxDuration = d }
}

// WithQueue routes runs of this workflow to a named worker queue.
func WithQueue(queue string) WorkflowOption {
	return func(o *Options) { o.Queue = queue }
}

// Definition is a registered workflow: a name, a runner, and options.
type Definition struct {
	Name   string
	Runner RunnerFunc
	Opts   Options
}

// NewWorkflow builds a definition from a typed body. The body receives
// the decoded input and returns a result that is encoded into the
// terminal event, so A and R must round-trip through JSON.
func NewWorkflow[A, R any](name string, fn func(c *Context, arg A) (R, error), opts ...WorkflowOption) *Definition {
	o := Options{MaxRecoveryAttempts: 3}
	for _, opt := range opts {
		opt(&o)
	}
	return &Definition{
		Name: name,
		Opts: o,
		Runner: func(c *Context, input []byte) ([]byte, error) {
			var arg A
			if len(input) > 0 {
				if err := codec.Unmarshal(input, &arg); err != nil {
					return nil, fmt.Errorf("decode input for workflow %q: %w", name, err)
				}
			}
			result, err := fn(c, arg)
			if err != nil {
				return nil, err
			}
			out, err := codec.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("encode result for workflow %q: %w", name, err)
			}
			return out, nil
		},
	}
}
