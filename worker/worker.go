package worker

import (
	"context"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
)

// Worker is the registry record of a live worker process. Records are
// advisory: dispatch correctness comes from task leases, the registry
// exists so operators can see who is polling which queues.
type Worker struct {
	rewind.Entity

	ID          id.WorkerID `json:"id"`
	Hostname    string      `json:"hostname"`
	Queues      []string    `json:"queues"`
	Concurrency int         `json:"concurrency"`
	StartedAt   time.Time   `json:"started_at"`
	HeartbeatAt time.Time   `json:"heartbeat_at"`
}

// Store defines the persistence contract for the worker registry.
type Store interface {
	// RegisterWorker adds a worker record when a pool starts.
	RegisterWorker(ctx context.Context, w *Worker) error

	// HeartbeatWorker refreshes a worker's liveness timestamp.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// DeregisterWorker removes a worker record on graceful shutdown.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// ReapStaleWorkers removes workers whose heartbeat is older than the
	// threshold and returns how many were removed.
	ReapStaleWorkers(ctx context.Context, threshold time.Duration) (int, error)
}
