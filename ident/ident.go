// Package ident derives the deterministic identifiers that make replay
// possible: the same step called with the same input, in the same run,
// must map onto the same event-log entries across process restarts and
// worker handoffs.
//
// Step IDs are a pure function of (name, canonical input encoding).
// Two calls to the same step with equal inputs anywhere in one run
// collapse to the same ID — this is deliberate memoization, relied on
// by idempotency-sensitive workflows, not an accident to be fixed.
//
// Sleep and hook IDs for unnamed calls are positional: they hash a
// per-invocation counter, so they are stable only when the replayed
// code path is identical to the original (same control flow, same call
// order). Branching on wall-clock time or random values between runs
// breaks positional identity; naming the sleep or hook avoids this by
// hashing the name instead of the position.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// hashLen is the number of hex characters kept from the SHA-256 digest.
const hashLen = 16

// derive hashes the parts with a separator byte and returns a
// prefix-qualified truncated digest.
func derive(prefix string, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return prefix + "_" + hex.EncodeToString(sum)[:hashLen]
}

// StepID returns the deterministic identifier for a step call.
// input must be the canonical encoding of the step's input value
// (codec.Marshal); the encoding itself is part of the identity.
func StepID(name string, input []byte) string {
	return derive("step", name, string(input))
}

// SleepID returns the deterministic identifier for a sleep.
// A non-empty name yields a name-addressed ID; an empty name falls
// back to the positional counter.
func SleepID(name string, position int) string {
	if name != "" {
		return derive("sleep", name)
	}
	return derive("sleep", "#"+strconv.Itoa(position))
}

// HookID returns the deterministic identifier for a hook wait.
// Hooks are always named; the position disambiguates repeated waits
// on the same name within one run.
func HookID(name string, position int) string {
	return derive("hook", name, "#"+strconv.Itoa(position))
}

// HookToken builds the opaque token handed to external callers.
// It is the only hook identity that crosses the process boundary.
func HookToken(runID, hookID string) string {
	return runID + ":" + hookID
}

// SplitHookToken splits a token back into (runID, hookID).
// Returns empty strings if the token is malformed.
func SplitHookToken(token string) (runID, hookID string) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == ':' {
			return token[:i], token[i+1:]
		}
	}
	return "", ""
}
