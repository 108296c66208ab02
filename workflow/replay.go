package workflow

import (
	"encoding/json"

	"github.com/QualityUnit/rewind/event"
)

// Replay folds a run's event history into the context caches. The fold
// is pure state reconstruction: nothing is executed, nothing is
// recorded. After Replay the runner can be invoked from the top and
// every primitive that already ran is satisfied from cache.
//
// Events arrive in sequence order from the store; the fold relies on
// that for last-write-wins semantics (a SLEEP_COMPLETED after its
// SLEEP_STARTED clears the pending anchor, and so on).
func (c *Context) Replay(events []*event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range events {
		switch ev.Type {
		case event.StepStarted:
			c.stepAttempts[ev.String("step_id")]++

		case event.StepCompleted:
			c.stepResults[ev.String("step_id")] = json.RawMessage(ev.String("result"))

		case event.SleepStarted:
			if at := ev.Time("resume_at"); !at.IsZero() {
				c.sleepsOpen[ev.String("sleep_id")] = at
			}

		case event.SleepCompleted:
			sid := ev.String("sleep_id")
			c.sleepsDone[sid] = true
			delete(c.sleepsOpen, sid)

		case event.HookCreated:
			hid := ev.String("hook_id")
			c.hooksOpen[hid] = pendingHook{
				token:     ev.String("token"),
				expiresAt: ev.Time("expires_at"),
			}

		case event.HookReceived:
			hid := ev.String("hook_id")
			c.hookResults[hid] = []byte(ev.String("payload"))
			delete(c.hooksOpen, hid)

		case event.HookExpired:
			hid := ev.String("hook_id")
			c.hooksExpired[hid] = true
			delete(c.hooksOpen, hid)

		case event.CancellationRequested, event.WorkflowCancelled:
			c.cancelled = true
		}
	}
}
