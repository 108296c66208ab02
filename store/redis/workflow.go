package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/workflow"
)

// ── Runs ──

// CreateRun persists a new run. When the run carries an idempotency
// key, HSETNX on the key index makes the claim atomic: the loser of a
// concurrent start gets ErrRunAlreadyExists.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	rID := run.ID.String()
	key := runKey(rID)

	if run.IdempotencyKey != "" {
		claimed, err := s.client.HSetNX(ctx, idempotencyKey,
			idemField(run.Workflow, run.IdempotencyKey), rID).Result()
		if err != nil {
			return fmt.Errorf("rewind/redis: claim idempotency key: %w", err)
		}
		if !claimed {
			return rewind.ErrRunAlreadyExists
		}
	}

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rewind/redis: create run exists: %w", err)
	}
	if exists > 0 {
		return rewind.ErrRunAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, runToMap(run))
	pipe.SAdd(ctx, runIDsKey, rID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewind/redis: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	vals, err := s.client.HGetAll(ctx, runKey(runID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: get run: %w", err)
	}
	if len(vals) == 0 {
		return nil, rewind.ErrRunNotFound
	}
	return mapToRun(vals)
}

// GetRunByIdempotencyKey retrieves the run claimed under the given
// workflow and idempotency key.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, workflowName, key string) (*workflow.Run, error) {
	rID, err := s.client.HGet(ctx, idempotencyKey, idemField(workflowName, key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, rewind.ErrRunNotFound
		}
		return nil, fmt.Errorf("rewind/redis: idempotency lookup: %w", err)
	}
	runID, err := id.ParseRunID(rID)
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: idempotency run id: %w", err)
	}
	return s.GetRun(ctx, runID)
}

// UpdateRun persists changes to an existing run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	key := runKey(run.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rewind/redis: update run exists: %w", err)
	}
	if exists == 0 {
		return rewind.ErrRunNotFound
	}
	if err := s.client.HSet(ctx, key, runToMap(run)).Err(); err != nil {
		return fmt.Errorf("rewind/redis: update run: %w", err)
	}
	return nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	ids, err := s.client.SMembers(ctx, runIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: list runs smembers: %w", err)
	}

	runs := make([]*workflow.Run, 0, len(ids))
	for _, rID := range ids {
		vals, getErr := s.client.HGetAll(ctx, runKey(rID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		r, convErr := mapToRun(vals)
		if convErr != nil {
			continue
		}
		if filter.Workflow != "" && r.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return window(runs, filter.Limit, filter.Offset), nil
}

// ── Steps ──

// UpsertStep replaces the step projection for (run, step ID).
func (s *Store) UpsertStep(ctx context.Context, step *workflow.StepExecution) error {
	rID := step.RunID.String()
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("rewind/redis: marshal step: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stepKey(rID, step.StepID), payload, 0)
	pipe.SAdd(ctx, stepIndexKey(rID), step.StepID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewind/redis: upsert step: %w", err)
	}
	return nil
}

// GetSteps returns the run's step projections ordered by start time.
func (s *Store) GetSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepExecution, error) {
	rID := runID.String()
	stepIDs, err := s.client.SMembers(ctx, stepIndexKey(rID)).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: step index: %w", err)
	}

	steps := make([]*workflow.StepExecution, 0, len(stepIDs))
	for _, stepID := range stepIDs {
		payload, getErr := s.client.Get(ctx, stepKey(rID, stepID)).Result()
		if getErr != nil {
			continue
		}
		var step workflow.StepExecution
		if json.Unmarshal([]byte(payload), &step) != nil {
			continue
		}
		steps = append(steps, &step)
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].StartedAt.Before(steps[j].StartedAt)
	})
	return steps, nil
}

// ── Hooks ──

// CreateHook persists a new hook record addressed by its token.
func (s *Store) CreateHook(ctx context.Context, hook *workflow.HookRecord) error {
	key := hookKey(hook.Token)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rewind/redis: create hook exists: %w", err)
	}
	if exists > 0 {
		return rewind.ErrHookAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, hookToMap(hook))
	pipe.SAdd(ctx, hookIndexKey(hook.RunID.String()), hook.Token)
	if hook.ExpiresAt != nil {
		pipe.ZAdd(ctx, hookExpiryKey, goredis.Z{
			Score:  float64(hook.ExpiresAt.UnixMilli()),
			Member: hook.Token,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewind/redis: create hook: %w", err)
	}
	return nil
}

// GetHookByToken retrieves a hook by its opaque token.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*workflow.HookRecord, error) {
	vals, err := s.client.HGetAll(ctx, hookKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: get hook: %w", err)
	}
	if len(vals) == 0 {
		return nil, rewind.ErrHookNotFound
	}
	return mapToHook(vals)
}

// GetHooks returns the run's hooks ordered by creation time.
func (s *Store) GetHooks(ctx context.Context, runID id.RunID) ([]*workflow.HookRecord, error) {
	tokens, err := s.client.SMembers(ctx, hookIndexKey(runID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: hook index: %w", err)
	}

	hooks := make([]*workflow.HookRecord, 0, len(tokens))
	for _, token := range tokens {
		vals, getErr := s.client.HGetAll(ctx, hookKey(token)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		h, convErr := mapToHook(vals)
		if convErr != nil {
			continue
		}
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool {
		return hooks[i].CreatedAt.Before(hooks[j].CreatedAt)
	})
	return hooks, nil
}

// UpdateHook persists changes to an existing hook. A hook leaving
// pending state is dropped from the expiry set so the sweeper stops
// considering it.
func (s *Store) UpdateHook(ctx context.Context, hook *workflow.HookRecord) error {
	key := hookKey(hook.Token)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rewind/redis: update hook exists: %w", err)
	}
	if exists == 0 {
		return rewind.ErrHookNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, hookToMap(hook))
	if hook.Status != workflow.HookStatusPending {
		pipe.ZRem(ctx, hookExpiryKey, hook.Token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewind/redis: update hook: %w", err)
	}
	return nil
}

// ListExpiredHooks returns pending hooks whose expiry passed before now.
func (s *Store) ListExpiredHooks(ctx context.Context, now time.Time, limit int) ([]*workflow.HookRecord, error) {
	tokens, err := s.client.ZRangeByScore(ctx, hookExpiryKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: expired hooks: %w", err)
	}

	hooks := make([]*workflow.HookRecord, 0, len(tokens))
	for _, token := range tokens {
		h, getErr := s.GetHookByToken(ctx, token)
		if getErr != nil {
			continue
		}
		if h.Status != workflow.HookStatusPending {
			continue
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}

// ── Cancellation ──

// RequestCancellation flags the run for cancellation.
func (s *Store) RequestCancellation(ctx context.Context, runID id.RunID) error {
	if err := s.client.SAdd(ctx, cancelKey, runID.String()).Err(); err != nil {
		return fmt.Errorf("rewind/redis: request cancellation: %w", err)
	}
	return nil
}

// CancellationRequested reports whether the run has a pending
// cancellation request.
func (s *Store) CancellationRequested(ctx context.Context, runID id.RunID) (bool, error) {
	requested, err := s.client.SIsMember(ctx, cancelKey, runID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("rewind/redis: cancellation requested: %w", err)
	}
	return requested, nil
}

// ClearCancellation removes the run's cancellation flag.
func (s *Store) ClearCancellation(ctx context.Context, runID id.RunID) error {
	if err := s.client.SRem(ctx, cancelKey, runID.String()).Err(); err != nil {
		return fmt.Errorf("rewind/redis: clear cancellation: %w", err)
	}
	return nil
}

// ── helpers ──

func idemField(workflowName, key string) string {
	return workflowName + "\x00" + key
}

// window applies offset and limit to an already sorted slice.
func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// runToMap flattens a run into hash fields. Every field is written on
// each save, including empty ones, so cleared values do not linger.
func runToMap(r *workflow.Run) map[string]any {
	m := map[string]any{
		"id":                    r.ID.String(),
		"workflow":              r.Workflow,
		"status":                string(r.Status),
		"input":                 string(r.Input),
		"result":                string(r.Result),
		"error":                 r.Error,
		"idempotency_key":       r.IdempotencyKey,
		"max_duration":          strconv.FormatInt(int64(r.MaxDuration), 10),
		"metadata":              marshalJSON(r.Metadata),
		"recovery_attempts":     strconv.Itoa(r.RecoveryAttempts),
		"max_recovery_attempts": strconv.Itoa(r.MaxRecoveryAttempts),
		"nesting_depth":         strconv.Itoa(r.NestingDepth),
		"parent_run_id":         "",
		"started_at":            fmtTimePtr(r.StartedAt),
		"completed_at":          fmtTimePtr(r.CompletedAt),
		"wake_at":               fmtTimePtr(r.WakeAt),
		"created_at":            r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":            r.UpdatedAt.Format(time.RFC3339Nano),
	}
	if r.ParentRunID != nil {
		m["parent_run_id"] = r.ParentRunID.String()
	}
	return m
}

func mapToRun(m map[string]string) (*workflow.Run, error) {
	runID, err := id.ParseRunID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: parse run id: %w", err)
	}

	maxDuration, _ := strconv.ParseInt(m["max_duration"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	recovery, _ := strconv.Atoi(m["recovery_attempts"])           //nolint:errcheck // best-effort parse from trusted Redis data
	maxRecovery, _ := strconv.Atoi(m["max_recovery_attempts"])    //nolint:errcheck // best-effort parse from trusted Redis data
	depth, _ := strconv.Atoi(m["nesting_depth"])                  //nolint:errcheck // best-effort parse from trusted Redis data

	r := &workflow.Run{
		Entity:              parseEntity(m),
		ID:                  runID,
		Workflow:            m["workflow"],
		Status:              workflow.Status(m["status"]),
		Error:               m["error"],
		IdempotencyKey:      m["idempotency_key"],
		MaxDuration:         time.Duration(maxDuration),
		RecoveryAttempts:    recovery,
		MaxRecoveryAttempts: maxRecovery,
		NestingDepth:        depth,
		StartedAt:           parseTimePtr(m["started_at"]),
		CompletedAt:         parseTimePtr(m["completed_at"]),
		WakeAt:              parseTimePtr(m["wake_at"]),
	}
	if v := m["input"]; v != "" {
		r.Input = []byte(v)
	}
	if v := m["result"]; v != "" {
		r.Result = []byte(v)
	}
	if v := m["metadata"]; v != "" && v != "null" {
		_ = json.Unmarshal([]byte(v), &r.Metadata) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["parent_run_id"]; v != "" {
		parent, pErr := id.ParseRunID(v)
		if pErr != nil {
			return nil, fmt.Errorf("rewind/redis: parse parent run id: %w", pErr)
		}
		r.ParentRunID = &parent
	}
	return r, nil
}

func hookToMap(h *workflow.HookRecord) map[string]any {
	return map[string]any{
		"run_id":      h.RunID.String(),
		"hook_id":     h.HookID,
		"name":        h.Name,
		"token":       h.Token,
		"status":      string(h.Status),
		"payload":     string(h.Payload),
		"expires_at":  fmtTimePtr(h.ExpiresAt),
		"received_at": fmtTimePtr(h.ReceivedAt),
		"created_at":  h.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  h.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToHook(m map[string]string) (*workflow.HookRecord, error) {
	runID, err := id.ParseRunID(m["run_id"])
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: parse hook run id: %w", err)
	}

	h := &workflow.HookRecord{
		Entity:     parseEntity(m),
		RunID:      runID,
		HookID:     m["hook_id"],
		Name:       m["name"],
		Token:      m["token"],
		Status:     workflow.HookStatus(m["status"]),
		ExpiresAt:  parseTimePtr(m["expires_at"]),
		ReceivedAt: parseTimePtr(m["received_at"]),
	}
	if v := m["payload"]; v != "" {
		h.Payload = []byte(v)
	}
	return h, nil
}

func parseEntity(m map[string]string) rewind.Entity {
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	return rewind.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt}
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// marshalJSON is a helper to marshal to a JSON string.
func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}
