package timers

import (
	"time"

	"github.com/dustin/go-humanize"
)

// Event is a typed, ephemeral view of a timer row. Variants embed Base and
// add named fields decoded from the payload.
type Event interface {
	// Tag identifies the variant ("reminder", "mute", ...). It is the
	// registry key and the suffix of the published bus event type.
	Tag() string

	// Meta exposes the shared row fields. The scheduler uses it to bind the
	// store-assigned id after the first persist.
	Meta() *Base
}

// Base carries the fields every timer variant shares.
//
// ID is zero for timers that took the short-timer bypass and were never
// persisted.
type Base struct {
	ID      int64
	Created time.Time
	Expires time.Time
	Extra   Extra
}

func (b *Base) Meta() *Base { return b }

// Delta is the time remaining until expiry; negative once past due.
func (b *Base) Delta() time.Duration {
	return time.Until(b.Expires)
}

// HumanDelta renders how long ago the timer was created, e.g. "2 hours ago".
func (b *Base) HumanDelta() string {
	return humanize.Time(b.Created)
}

func (b *Base) record(tag string) Record {
	return Record{
		ID:      b.ID,
		Event:   tag,
		Expires: b.Expires,
		Created: b.Created,
		Extra:   b.Extra,
	}
}
