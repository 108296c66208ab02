package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/backoff"
	"github.com/QualityUnit/rewind/codec"
	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/ident"
)

type stepOptions struct {
	maxRetries int
	strategy   backoff.Strategy
	timeout    time.Duration
	shield     bool
}

// StepOption configures a Step call.
type StepOption func(*stepOptions)

// WithMaxRetries sets how many retries a step gets after its first
// failed attempt. Zero disables retries. The default is 3.
func WithMaxRetries(n int) StepOption {
	return func(o *stepOptions) { o.maxRetries = n }
}

// WithBackoff sets the retry delay strategy for the step. The default
// is backoff.DefaultStrategy.
func WithBackoff(s backoff.Strategy) StepOption {
	return func(o *stepOptions) { o.strategy = s }
}

// WithShield exempts the step from cancellation. A shielded step runs
// to completion even when the run has a pending cancellation request;
// the cancellation then lands at the next unshielded primitive. Use it
// for cleanup work that must not be torn in half.
func WithShield(shield bool) StepOption {
	return func(o *stepOptions) { o.shield = shield }
}

// WithStepTimeout bounds a single attempt of the step. The closure's
// context is cancelled when the timeout elapses; a timed-out attempt
// counts against the retry budget like any other failure.
func WithStepTimeout(d time.Duration) StepOption {
	return func(o *stepOptions) { o.timeout = d }
}

// Step executes fn exactly once per (name, input) pair within a run.
// The result is recorded in the event log; on replay the cached result
// is returned without invoking fn. Two calls with the same name and an
// equal input share one execution, so closures with side effects must
// be given distinguishing inputs.
//
// Failures are retried under the step's backoff strategy unless the
// error is wrapped with Fatal. In a durable run a retry suspends the
// run until the delay elapses; in a transient run the delay is waited
// out inline.
//
// This is a package-level generic function because Go methods cannot
// introduce type parameters.
func Step[A, R any](c *Context, name string, arg A, fn func(context.Context, A) (R, error), opts ...StepOption) (R, error) {
	var zero R

	o := &stepOptions{maxRetries: 3, strategy: backoff.DefaultStrategy()}
	for _, opt := range opts {
		opt(o)
	}

	input, err := codec.Marshal(arg)
	if err != nil {
		return zero, fmt.Errorf("marshal input for step %q: %w", name, err)
	}
	stepID := ident.StepID(name, input)

	for {
		c.mu.Lock()
		if !o.shield {
			if err := c.checkCancelled(); err != nil {
				c.mu.Unlock()
				return zero, err
			}
		}

		// Memoization: a completed execution for this (name, input)
		// satisfies the call from cache, during replay and within a
		// single invocation alike.
		if raw, ok := c.stepResults[stepID]; ok {
			c.mu.Unlock()
			var result R
			if err := codec.Unmarshal(raw, &result); err != nil {
				return zero, fmt.Errorf("decode cached result for step %q: %w", name, err)
			}
			return result, nil
		}

		attempt := c.stepAttempts[stepID] + 1
		c.stepAttempts[stepID] = attempt
		startedAt := time.Now().UTC()
		if err := c.append(event.StepStarted, map[string]any{
			"step_id": stepID,
			"name":    name,
			"input":   string(input),
			"attempt": attempt,
		}); err != nil {
			c.mu.Unlock()
			return zero, err
		}
		c.upsertStep(&StepExecution{
			Entity:     rewind.NewEntity(),
			RunID:      c.runID,
			StepID:     stepID,
			Name:       name,
			Status:     StepStatusRunning,
			Input:      input,
			Attempt:    attempt,
			MaxRetries: o.maxRetries,
			StartedAt:  startedAt,
		})
		c.mu.Unlock()

		result, runErr := runAttempt(c, o, arg, fn)
		if runErr == nil {
			out, err := codec.Marshal(result)
			if err != nil {
				return zero, fmt.Errorf("marshal result for step %q: %w", name, err)
			}
			c.mu.Lock()
			c.stepResults[stepID] = json.RawMessage(out)
			err = c.append(event.StepCompleted, map[string]any{
				"step_id": stepID,
				"name":    name,
				"result":  string(out),
				"attempt": attempt,
			})
			var settled *StepExecution
			if err == nil {
				done := time.Now().UTC()
				settled = &StepExecution{
					Entity:      rewind.NewEntity(),
					RunID:       c.runID,
					StepID:      stepID,
					Name:        name,
					Status:      StepStatusCompleted,
					Input:       input,
					Result:      out,
					Attempt:     attempt,
					MaxRetries:  o.maxRetries,
					StartedAt:   startedAt,
					CompletedAt: &done,
				}
				c.upsertStep(settled)
			}
			c.mu.Unlock()
			if err != nil {
				return zero, err
			}
			c.notifyStepCompleted(settled)
			return result, nil
		}

		// A nested suspension propagates unchanged; the attempt is not
		// a failure, it just has not finished yet.
		if _, ok := AsSuspension(runErr); ok {
			c.mu.Lock()
			c.stepAttempts[stepID] = attempt - 1
			c.mu.Unlock()
			return zero, runErr
		}

		if !retryable(runErr) || attempt > o.maxRetries {
			c.mu.Lock()
			err := c.append(event.StepFailed, map[string]any{
				"step_id":      stepID,
				"name":         name,
				"error":        runErr.Error(),
				"error_type":   fmt.Sprintf("%T", runErr),
				"is_retryable": retryable(runErr),
				"attempt":      attempt,
			})
			var settled *StepExecution
			if err == nil {
				done := time.Now().UTC()
				settled = &StepExecution{
					Entity:      rewind.NewEntity(),
					RunID:       c.runID,
					StepID:      stepID,
					Name:        name,
					Status:      StepStatusFailed,
					Input:       input,
					Error:       runErr.Error(),
					Attempt:     attempt,
					MaxRetries:  o.maxRetries,
					StartedAt:   startedAt,
					CompletedAt: &done,
				}
				c.upsertStep(settled)
			}
			c.mu.Unlock()
			if err != nil {
				return zero, err
			}
			c.notifyStepFailed(settled, runErr)
			return zero, fmt.Errorf("step %q failed after %d attempt(s): %w", name, attempt, runErr)
		}

		delay, ok := retryDelay(runErr)
		if !ok {
			delay = o.strategy.Delay(attempt)
		}
		resumeAt := time.Now().UTC().Add(delay)

		if c.durable {
			c.mu.Lock()
			if err := c.append(event.StepRetrying, map[string]any{
				"step_id":   stepID,
				"name":      name,
				"error":     runErr.Error(),
				"attempt":   attempt,
				"resume_at": resumeAt.Format(time.RFC3339Nano),
			}); err != nil {
				c.mu.Unlock()
				return zero, err
			}
			c.upsertStep(&StepExecution{
				Entity:     rewind.NewEntity(),
				RunID:      c.runID,
				StepID:     stepID,
				Name:       name,
				Status:     StepStatusRetrying,
				Input:      input,
				Error:      runErr.Error(),
				Attempt:    attempt,
				MaxRetries: o.maxRetries,
				StartedAt:  startedAt,
			})
			c.mu.Unlock()
			c.logger.Warn("step retrying",
				"step", name,
				"attempt", attempt,
				"resume_at", resumeAt,
				"error", runErr)
			return zero, &Suspension{Reason: SuspendRetry, ID: stepID, ResumeAt: resumeAt}
		}

		// Transient runs cannot suspend, so the backoff is waited out
		// in place.
		select {
		case <-c.ctx.Done():
			return zero, c.ctx.Err()
		case <-time.After(delay):
		}
	}
}

func runAttempt[A, R any](c *Context, o *stepOptions, arg A, fn func(context.Context, A) (R, error)) (R, error) {
	ctx := c.ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return fn(ctx, arg)
}
