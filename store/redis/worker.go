package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/worker"
)

// RegisterWorker adds a worker record, replacing any previous record
// with the same ID so a restarted pool re-registers cleanly.
func (s *Store) RegisterWorker(ctx context.Context, w *worker.Worker) error {
	wID := w.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, workerKey(wID), workerToMap(w))
	pipe.SAdd(ctx, workerIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewind/redis: register worker: %w", err)
	}
	return nil
}

// HeartbeatWorker refreshes a worker's liveness timestamp.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	key := workerKey(workerID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rewind/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return rewind.ErrWorkerNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	err = s.client.HSet(ctx, key, "heartbeat_at", now, "updated_at", now).Err()
	if err != nil {
		return fmt.Errorf("rewind/redis: heartbeat worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker record on graceful shutdown.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wID := workerID.String()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, workerKey(wID))
	pipe.SRem(ctx, workerIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewind/redis: deregister worker: %w", err)
	}
	return nil
}

// ListWorkers returns all registered workers, oldest first.
func (s *Store) ListWorkers(ctx context.Context) ([]*worker.Worker, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: list workers: %w", err)
	}

	workers := make([]*worker.Worker, 0, len(ids))
	for _, wID := range ids {
		vals, getErr := s.client.HGetAll(ctx, workerKey(wID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		w, convErr := mapToWorker(vals)
		if convErr != nil {
			continue
		}
		workers = append(workers, w)
	}
	sortWorkers(workers)
	return workers, nil
}

// ReapStaleWorkers removes workers whose heartbeat is older than the
// threshold and returns how many were removed.
func (s *Store) ReapStaleWorkers(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, w := range workers {
		if !w.HeartbeatAt.Before(cutoff) {
			continue
		}
		if err := s.DeregisterWorker(ctx, w.ID); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// ── helpers ──

func sortWorkers(workers []*worker.Worker) {
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].StartedAt.Before(workers[j].StartedAt)
	})
}

func workerToMap(w *worker.Worker) map[string]any {
	return map[string]any{
		"id":           w.ID.String(),
		"hostname":     w.Hostname,
		"queues":       marshalJSON(w.Queues),
		"concurrency":  w.Concurrency,
		"started_at":   w.StartedAt.Format(time.RFC3339Nano),
		"heartbeat_at": w.HeartbeatAt.Format(time.RFC3339Nano),
		"created_at":   w.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   w.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToWorker(m map[string]string) (*worker.Worker, error) {
	wID, err := id.ParseWorkerID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: parse worker id: %w", err)
	}

	concurrency, _ := strconv.Atoi(m["concurrency"])                 //nolint:errcheck // best-effort parse from trusted Redis data
	startedAt, _ := time.Parse(time.RFC3339Nano, m["started_at"])    //nolint:errcheck // best-effort parse from trusted Redis data
	heartbeatAt, _ := time.Parse(time.RFC3339Nano, m["heartbeat_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &worker.Worker{
		Entity:      parseEntity(m),
		ID:          wID,
		Hostname:    m["hostname"],
		Queues:      unmarshalStrings(m["queues"]),
		Concurrency: concurrency,
		StartedAt:   startedAt,
		HeartbeatAt: heartbeatAt,
	}, nil
}

// unmarshalStrings parses a JSON array of strings.
func unmarshalStrings(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
