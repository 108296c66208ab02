package workflow

import (
	"time"

	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/ident"
)

type sleepOptions struct {
	name string
}

// SleepOption configures a Sleep call.
type SleepOption func(*sleepOptions)

// WithSleepName names the sleep so its identity survives code
// reordering. Unnamed sleeps are identified by call position, which
// changes when sleeps are added or removed above them.
func WithSleepName(name string) SleepOption {
	return func(o *sleepOptions) { o.name = name }
}

// Sleep suspends the run for the given duration. The wake time is
// anchored to when the sleep first executed, so replaying past a
// completed sleep takes no time and resuming early re-suspends until
// the original deadline rather than restarting the timer.
//
// A zero or negative duration completes immediately. Transient runs
// cannot suspend and wait out the duration in place.
func Sleep(c *Context, d time.Duration, opts ...SleepOption) error {
	o := &sleepOptions{}
	for _, opt := range opts {
		opt(o)
	}

	c.mu.Lock()
	if err := c.checkCancelled(); err != nil {
		c.mu.Unlock()
		return err
	}

	sleepID := ident.SleepID(o.name, c.nextPosition())

	// Already slept: replay falls through instantly.
	if c.sleepsDone[sleepID] {
		c.mu.Unlock()
		return nil
	}

	if !c.durable {
		c.mu.Unlock()
		if d <= 0 {
			return nil
		}
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(d):
			return nil
		}
	}

	now := time.Now().UTC()

	// A pending anchor from a previous invocation keeps the original
	// deadline. Clock skew or an early resume must not extend it.
	resumeAt, started := c.sleepsOpen[sleepID]
	if !started {
		resumeAt = now.Add(d)
		if err := c.append(event.SleepStarted, map[string]any{
			"sleep_id":  sleepID,
			"name":      o.name,
			"duration":  d.String(),
			"resume_at": resumeAt.Format(time.RFC3339Nano),
		}); err != nil {
			c.mu.Unlock()
			return err
		}
		c.sleepsOpen[sleepID] = resumeAt
	}

	if now.Before(resumeAt) {
		c.mu.Unlock()
		return &Suspension{Reason: SuspendSleep, ID: sleepID, ResumeAt: resumeAt}
	}

	err := c.append(event.SleepCompleted, map[string]any{
		"sleep_id": sleepID,
		"name":     o.name,
	})
	if err == nil {
		c.sleepsDone[sleepID] = true
		delete(c.sleepsOpen, sleepID)
	}
	c.mu.Unlock()
	return err
}
