package redis

// Redis key naming conventions for rewind data.
// All keys are prefixed with "rewind:" to avoid collisions.

const keyPrefix = "rewind:"

// ── Run keys ──

// runKey returns the key for a run entity: rewind:run:{id}
func runKey(id string) string { return keyPrefix + "run:" + id }

// runIDsKey is the Set tracking all run IDs for enumeration.
const runIDsKey = keyPrefix + "run_ids"

// idempotencyKey is the Hash mapping {workflow}\x00{key} to run IDs.
const idempotencyKey = keyPrefix + "idempotency"

// ── Event keys ──

// eventsKey returns the List holding a run's event log, oldest first:
// rewind:events:{runID}. The list index is the event sequence.
func eventsKey(runID string) string { return keyPrefix + "events:" + runID }

// ── Step keys ──

// stepKey returns the key for a step projection: rewind:step:{runID}:{stepID}
func stepKey(runID, stepID string) string {
	return keyPrefix + "step:" + runID + ":" + stepID
}

// stepIndexKey returns the Set of step IDs recorded for a run.
func stepIndexKey(runID string) string { return keyPrefix + "step_idx:" + runID }

// ── Hook keys ──

// hookKey returns the key for a hook entity, addressed by its opaque
// token: rewind:hook:{token}
func hookKey(token string) string { return keyPrefix + "hook:" + token }

// hookIndexKey returns the Set of hook tokens created for a run.
func hookIndexKey(runID string) string { return keyPrefix + "hook_idx:" + runID }

// hookExpiryKey is the Sorted Set of pending hook tokens scored by
// expiry time (unix millis). The sweeper ranges it to find lapsed hooks.
const hookExpiryKey = keyPrefix + "hook_expiry"

// ── Cancellation keys ──

// cancelKey is the Set of run IDs with a pending cancellation request.
const cancelKey = keyPrefix + "cancel"

// ── Task keys ──

// taskKey returns the key for a task entity: rewind:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// taskIDsKey is the Set tracking all task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// taskRunIndexKey returns the Set of task IDs enqueued for a run.
func taskRunIndexKey(runID string) string { return keyPrefix + "task_idx:" + runID }

// queueKey returns the Sorted Set for a queue, scored by RunAt (unix
// millis): rewind:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// ── Worker keys ──

// workerKey returns the key for a worker entity: rewind:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"
