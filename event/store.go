package event

import (
	"context"

	"github.com/QualityUnit/rewind/id"
)

// Store defines the persistence contract for the event log.
//
// RecordEvent must be atomic with respect to sequence assignment: the
// store serializes sequence numbering per run so that events for one
// run always carry a strictly increasing, gapless sequence starting at
// zero. The engine never issues two concurrent RecordEvent calls for
// the same run; concurrent calls across different runs are expected.
type Store interface {
	// RecordEvent appends an event to the run's log, assigning the next
	// sequence number. The event's Sequence field is populated on return.
	RecordEvent(ctx context.Context, evt *Event) error

	// GetEvents returns the run's events ordered by ascending sequence.
	// A non-empty type filter restricts the result to matching types.
	GetEvents(ctx context.Context, runID id.RunID, types ...Type) ([]*Event, error)

	// GetLatestEvent returns the run's highest-sequence event, optionally
	// restricted to the given types. Returns nil when no event matches.
	GetLatestEvent(ctx context.Context, runID id.RunID, types ...Type) (*Event, error)
}

// Matches reports whether typ is in the filter set. An empty filter
// matches everything.
func Matches(typ Type, filter []Type) bool {
	if len(filter) == 0 {
		return true
	}
	for _, t := range filter {
		if t == typ {
			return true
		}
	}
	return false
}
