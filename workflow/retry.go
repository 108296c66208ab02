package workflow

import (
	"errors"
	"fmt"
	"time"
)

// FatalError marks a step failure as non-retryable. The step fails
// immediately regardless of remaining retry budget.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// RetryableError marks a step failure as retryable, optionally
// overriding the backoff delay for the next attempt.
type RetryableError struct {
	Err error
	// Delay, when positive, overrides the step's backoff strategy for
	// the next attempt.
	Delay time.Duration
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// Fatal wraps err so the step fails without retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Retryable wraps err so the step retries under its backoff strategy.
// Errors are retryable by default; Retryable exists to force retry for
// an error type that would otherwise be classified fatal further up
// the chain.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// RetryableAfter wraps err so the step retries after the given delay
// instead of the step's backoff strategy.
func RetryableAfter(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, Delay: delay}
}

// retryable reports whether a step error should consume a retry
// attempt. An explicit RetryableError wins over a FatalError deeper in
// the chain, a FatalError wins over the default, and anything else is
// retryable.
func retryable(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *RetryableError:
			return true
		case *FatalError:
			return false
		}
	}
	return true
}

// retryDelay returns the explicit delay override carried by a
// RetryableError, or false when the step's backoff strategy applies.
func retryDelay(err error) (time.Duration, bool) {
	var r *RetryableError
	if errors.As(err, &r) && r.Delay > 0 {
		return r.Delay, true
	}
	return 0, false
}
