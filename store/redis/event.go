package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
)

// RecordEvent appends an event to the run's log. The log is a Redis
// List and RPUSH is atomic, so the list index is the event's sequence:
// gapless, strictly increasing, starting at zero.
func (s *Store) RecordEvent(ctx context.Context, evt *event.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("rewind/redis: marshal event: %w", err)
	}
	n, err := s.client.RPush(ctx, eventsKey(evt.RunID.String()), payload).Result()
	if err != nil {
		return fmt.Errorf("rewind/redis: record event: %w", err)
	}
	evt.Sequence = n - 1
	return nil
}

// GetEvents returns the run's events ordered by ascending sequence.
func (s *Store) GetEvents(ctx context.Context, runID id.RunID, types ...event.Type) ([]*event.Event, error) {
	entries, err := s.client.LRange(ctx, eventsKey(runID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: get events: %w", err)
	}

	events := make([]*event.Event, 0, len(entries))
	for i, entry := range entries {
		evt, err := unmarshalEvent(entry, int64(i))
		if err != nil {
			return nil, err
		}
		if !event.Matches(evt.Type, types) {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// GetLatestEvent returns the run's highest-sequence event matching the
// type filter, or nil when none does.
func (s *Store) GetLatestEvent(ctx context.Context, runID id.RunID, types ...event.Type) (*event.Event, error) {
	entries, err := s.client.LRange(ctx, eventsKey(runID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("rewind/redis: get latest event: %w", err)
	}

	for i := len(entries) - 1; i >= 0; i-- {
		evt, err := unmarshalEvent(entries[i], int64(i))
		if err != nil {
			return nil, err
		}
		if event.Matches(evt.Type, types) {
			return evt, nil
		}
	}
	return nil, nil
}

func unmarshalEvent(entry string, sequence int64) (*event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal([]byte(entry), &evt); err != nil {
		return nil, fmt.Errorf("rewind/redis: unmarshal event: %w", err)
	}
	evt.Sequence = sequence
	return &evt, nil
}
