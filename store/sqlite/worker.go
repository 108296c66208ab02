package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/worker"
)

// RegisterWorker adds (or refreshes) a worker record.
func (s *Store) RegisterWorker(ctx context.Context, w *worker.Worker) error {
	queues, err := json.Marshal(w.Queues)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: encode queues: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rewind_workers (id, hostname, queues, concurrency,
			started_at, heartbeat_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			hostname = excluded.hostname, queues = excluded.queues,
			concurrency = excluded.concurrency,
			heartbeat_at = excluded.heartbeat_at, updated_at = excluded.updated_at`,
		w.ID.String(), w.Hostname, string(queues), w.Concurrency,
		fmtTime(w.StartedAt), fmtTime(w.HeartbeatAt),
		fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: register worker: %w", err)
	}
	return nil
}

// HeartbeatWorker refreshes a worker's liveness timestamp.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE rewind_workers SET heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(now), fmtTime(now), workerID.String())
	if err != nil {
		return fmt.Errorf("rewind/sqlite: heartbeat worker: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return rewind.ErrWorkerNotFound
	}
	return nil
}

// DeregisterWorker removes a worker record.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rewind_workers WHERE id = ?`, workerID.String())
	if err != nil {
		return fmt.Errorf("rewind/sqlite: deregister worker: %w", err)
	}
	return nil
}

// ListWorkers returns all registered workers, oldest first.
func (s *Store) ListWorkers(ctx context.Context) ([]*worker.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hostname, queues, concurrency, started_at, heartbeat_at,
			created_at, updated_at
		 FROM rewind_workers ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: query workers: %w", err)
	}
	defer rows.Close()

	var out []*worker.Worker
	for rows.Next() {
		var (
			w              worker.Worker
			workerID       string
			queues         string
			started, beat  string
			created, upd   string
		)
		err := rows.Scan(&workerID, &w.Hostname, &queues, &w.Concurrency,
			&started, &beat, &created, &upd)
		if err != nil {
			return nil, fmt.Errorf("rewind/sqlite: scan worker: %w", err)
		}
		if w.ID, err = id.ParseWorkerID(workerID); err != nil {
			return nil, fmt.Errorf("rewind/sqlite: worker id: %w", err)
		}
		if err := json.Unmarshal([]byte(queues), &w.Queues); err != nil {
			return nil, fmt.Errorf("rewind/sqlite: worker queues: %w", err)
		}
		if w.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if w.HeartbeatAt, err = parseTime(beat); err != nil {
			return nil, err
		}
		if w.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if w.UpdatedAt, err = parseTime(upd); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ReapStaleWorkers removes workers whose heartbeat is older than the
// threshold.
func (s *Store) ReapStaleWorkers(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rewind_workers WHERE heartbeat_at <= ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("rewind/sqlite: reap workers: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
