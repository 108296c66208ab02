package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/worker"
)

// RegisterWorker adds a worker record, replacing any previous record
// with the same ID so a restarted pool re-registers cleanly.
func (s *Store) RegisterWorker(ctx context.Context, w *worker.Worker) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rewind_workers
			(id, hostname, queues, concurrency, started_at, heartbeat_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname, queues = EXCLUDED.queues,
			concurrency = EXCLUDED.concurrency, started_at = EXCLUDED.started_at,
			heartbeat_at = EXCLUDED.heartbeat_at, updated_at = EXCLUDED.updated_at`,
		w.ID.String(), w.Hostname, w.Queues, w.Concurrency,
		w.StartedAt, w.HeartbeatAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("rewind/postgres: register worker: %w", err)
	}
	return nil
}

// HeartbeatWorker refreshes a worker's liveness timestamp.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE rewind_workers SET heartbeat_at = $1, updated_at = $1 WHERE id = $2`,
		now, workerID.String())
	if err != nil {
		return fmt.Errorf("rewind/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rewind.ErrWorkerNotFound
	}
	return nil
}

// DeregisterWorker removes a worker record on graceful shutdown.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM rewind_workers WHERE id = $1`, workerID.String())
	if err != nil {
		return fmt.Errorf("rewind/postgres: deregister worker: %w", err)
	}
	return nil
}

// ListWorkers returns all registered workers, oldest first.
func (s *Store) ListWorkers(ctx context.Context) ([]*worker.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, hostname, queues, concurrency, started_at, heartbeat_at,
			created_at, updated_at
		 FROM rewind_workers ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: query workers: %w", err)
	}
	defer rows.Close()

	var out []*worker.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ReapStaleWorkers removes workers whose heartbeat is older than the
// threshold and returns how many were removed.
func (s *Store) ReapStaleWorkers(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rewind_workers WHERE heartbeat_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("rewind/postgres: reap workers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanWorker(row rowScanner) (*worker.Worker, error) {
	var (
		w        worker.Worker
		workerID string
	)
	err := row.Scan(&workerID, &w.Hostname, &w.Queues, &w.Concurrency,
		&w.StartedAt, &w.HeartbeatAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("rewind/postgres: scan worker: %w", err)
	}
	if w.ID, err = id.ParseWorkerID(workerID); err != nil {
		return nil, fmt.Errorf("rewind/postgres: worker id: %w", err)
	}
	return &w, nil
}
