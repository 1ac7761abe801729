package timers

import (
	"context"
	"time"
)

// Extra is the opaque payload of a timer row. Values are keyed by name, not
// by position, so variants cannot silently corrupt if field order changes.
// The store serializes it as JSON; numbers may come back as float64.
type Extra map[string]any

// Int64 reads a numeric payload value, tolerating JSON round-trips.
func (x Extra) Int64(key string) int64 {
	switch v := x[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// String reads a string payload value.
func (x Extra) String(key string) string {
	s, _ := x[key].(string)
	return s
}

// Record is a durable timer row.
type Record struct {
	ID      int64
	Event   string
	Expires time.Time
	Created time.Time
	Extra   Extra
}

// Store is the persistence boundary the scheduler needs. The storage
// package provides implementations; tests use an in-memory fake.
type Store interface {
	// CreateTimer persists a new row and returns the assigned id.
	CreateTimer(ctx context.Context, rec Record) (int64, error)

	// TimerByID returns a row, reporting whether it exists.
	TimerByID(ctx context.Context, id int64) (Record, bool, error)

	// EarliestTimer returns the row with the soonest expiry strictly before
	// the cutoff, restricted to the given event tags. The tag filter keeps
	// rows with unknown tags from stalling dispatch of known ones.
	EarliestTimer(ctx context.Context, before time.Time, tags []string) (Record, bool, error)

	// UpdateTimer replaces expiry and payload of an existing row.
	UpdateTimer(ctx context.Context, id int64, expires time.Time, extra Extra) error

	// DeleteTimer removes a row, reporting whether it existed.
	// Deleting an absent row is not an error.
	DeleteTimer(ctx context.Context, id int64) (bool, error)
}
