package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
)

// RecordEvent appends an event, assigning the next sequence inside a
// transaction. The (run_id, sequence) primary key backstops the
// read-then-insert against concurrent writers.
func (s *Store) RecordEvent(ctx context.Context, evt *event.Event) error {
	data, err := marshalJSON(evt.Data)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: encode event data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence) + 1, 0) FROM rewind_events WHERE run_id = ?`,
		evt.RunID.String(),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rewind_events (run_id, sequence, id, type, timestamp, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		evt.RunID.String(), seq, evt.ID.String(), string(evt.Type), fmtTime(evt.Timestamp), data,
	)
	if err != nil {
		return fmt.Errorf("rewind/sqlite: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rewind/sqlite: commit event: %w", err)
	}
	evt.Sequence = seq
	return nil
}

// GetEvents returns the run's events in sequence order.
func (s *Store) GetEvents(ctx context.Context, runID id.RunID, types ...event.Type) ([]*event.Event, error) {
	query := `SELECT id, run_id, type, timestamp, sequence, data
		FROM rewind_events WHERE run_id = ?`
	args := []any{runID.String()}
	if len(types) > 0 {
		query += ` AND type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rewind/sqlite: query events: %w", err)
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
		FROM rewind_events WHERE run_id = ?`
	args := []any{runID.String()}
	if len(types) > 0 {
		query += ` AND type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY sequence DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
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
		typ, ts        string
		data           sql.NullString
	)
	if err := row.Scan(&eventID, &runID, &typ, &ts, &evt.Sequence, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("rewind/sqlite: scan event: %w", err)
	}
	var err error
	if evt.ID, err = id.ParseEventID(eventID); err != nil {
		return nil, fmt.Errorf("rewind/sqlite: event id: %w", err)
	}
	if evt.RunID, err = id.ParseRunID(runID); err != nil {
		return nil, fmt.Errorf("rewind/sqlite: event run id: %w", err)
	}
	evt.Type = event.Type(typ)
	if evt.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("rewind/sqlite: event timestamp: %w", err)
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &evt.Data); err != nil {
			return nil, fmt.Errorf("rewind/sqlite: event data: %w", err)
		}
	}
	return &evt, nil
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
