package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"

	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
)

// RecordEvent appends an event, assigning the next sequence under a
// per-run transactional advisory lock. The lock serializes writers of
// one run while leaving other runs fully concurrent; the (run_id,
// sequence) primary key backstops the scheme.
func (s *Store) RecordEvent(ctx context.Context, evt *event.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rewind/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock($1)`, runLockKey(evt.RunID)); err != nil {
		return fmt.Errorf("rewind/postgres: advisory lock: %w", err)
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence) + 1, 0) FROM rewind_events WHERE run_id = $1`,
		evt.RunID.String(),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("rewind/postgres: next sequence: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO rewind_events (run_id, sequence, id, type, timestamp, data)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.RunID.String(), seq, evt.ID.String(), string(evt.Type), evt.Timestamp, evt.Data,
	)
	if err != nil {
		return fmt.Errorf("rewind/postgres: insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rewind/postgres: commit event: %w", err)
	}
	evt.Sequence = seq
	return nil
}

// GetEvents returns the run's events in sequence order.
func (s *Store) GetEvents(ctx context.Context, runID id.RunID, types ...event.Type) ([]*event.Event, error) {
	query := `SELECT id, run_id, type, timestamp, sequence, data
		FROM rewind_events WHERE run_id = $1`
	args := []any{runID.String()}
	if len(types) > 0 {
		query += ` AND type = ANY($2)`
		args = append(args, typeStrings(types))
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rewind/postgres: query events: %w", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// GetLatestEvent returns the run's highest-sequence event matching the
// filter, or nil.
func (s *Store) GetLatestEvent(ctx context.Context, runID id.RunID, types ...event.Type) (*event.Event, error) {
	query := `SELECT id, run_id, type, timestamp, sequence, data
		FROM rewind_events WHERE run_id = $1`
	args := []any{runID.String()}
	if len(types) > 0 {
		query += ` AND type = ANY($2)`
		args = append(args, typeStrings(types))
	}
	query += ` ORDER BY sequence DESC LIMIT 1`

	row := s.pool.QueryRow(ctx, query, args...)
	evt, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return evt, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		evt            event.Event
		eventID, runID string
		typ            string
	)
	err := row.Scan(&eventID, &runID, &typ, &evt.Timestamp, &evt.Sequence, &evt.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("rewind/postgres: scan event: %w", err)
	}
	if evt.ID, err = id.ParseEventID(eventID); err != nil {
		return nil, fmt.Errorf("rewind/postgres: event id: %w", err)
	}
	if evt.RunID, err = id.ParseRunID(runID); err != nil {
		return nil, fmt.Errorf("rewind/postgres: event run id: %w", err)
	}
	evt.Type = event.Type(typ)
	return &evt, nil
}

func typeStrings(types []event.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// runLockKey derives a stable advisory lock key from a run ID.
func runLockKey(runID id.RunID) int64 {
	h := fnv.New64a()
	h.Write([]byte(runID.String()))
	return int64(h.Sum64())
}
