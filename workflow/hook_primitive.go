package workflow

import (
	"fmt"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/codec"
	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/ident"
)

// Hook suspends the run until an external payload is delivered to the
// hook's token, then returns the payload decoded as R. The token is
// stable across invocations: replaying a pending hook re-suspends on
// the original token instead of minting a new one.
//
// Hooks are identified by name and call position, like sleeps. Two
// pending hooks with the same name in one run are distinct hooks.
//
// Transient runs cannot suspend; Hook returns ErrTransientHook.
func Hook[R any](c *Context, name string, opts ...HookOption) (R, error) {
	var zero R

	o := &hookOptions{}
	for _, opt := range opts {
		opt(o)
	}

	c.mu.Lock()
	if err := c.checkCancelled(); err != nil {
		c.mu.Unlock()
		return zero, err
	}

	hookID := ident.HookID(name, c.nextPosition())

	if payload, ok := c.hookResults[hookID]; ok {
		c.mu.Unlock()
		var result R
		if err := codec.Unmarshal(payload, &result); err != nil {
			return zero, fmt.Errorf("decode payload for hook %q: %w", name, err)
		}
		return result, nil
	}

	if c.hooksExpired[hookID] {
		c.mu.Unlock()
		return zero, fmt.Errorf("hook %q: %w", name, rewind.ErrHookExpired)
	}

	if !c.durable {
		c.mu.Unlock()
		return zero, fmt.Errorf("hook %q: %w", name, rewind.ErrTransientHook)
	}

	// A hook created by an earlier invocation re-suspends on its
	// original token and deadline.
	if ph, ok := c.hooksOpen[hookID]; ok {
		c.mu.Unlock()
		return zero, &Suspension{
			Reason:   SuspendHook,
			ID:       hookID,
			Name:     name,
			Token:    ph.token,
			ResumeAt: ph.expiresAt,
		}
	}

	token := ident.HookToken(c.runID.String(), hookID)
	var expiresAt time.Time
	data := map[string]any{
		"hook_id": hookID,
		"name":    name,
		"token":   token,
	}
	if o.timeout > 0 {
		expiresAt = time.Now().UTC().Add(o.timeout)
		data["expires_at"] = expiresAt.Format(time.RFC3339Nano)
	}
	if err := c.append(event.HookCreated, data); err != nil {
		c.mu.Unlock()
		return zero, err
	}
	c.hooksOpen[hookID] = pendingHook{token: token, expiresAt: expiresAt}
	c.mu.Unlock()

	// Runs once per hook: creation is recorded before the callback, so
	// a replayed invocation takes the re-suspend path above.
	if o.onCreated != nil {
		o.onCreated(token)
	}

	return zero, &Suspension{
		Reason:   SuspendHook,
		ID:       hookID,
		Name:     name,
		Token:    token,
		ResumeAt: expiresAt,
	}
}
