package timers

import (
	"sort"
	"sync"
)

// Ctor rehydrates a typed event from a stored row.
type Ctor func(rec Record) Event

// Registry maps event tags to constructors. It is populated at startup by
// the composition root; extensions register their own variants without the
// scheduler knowing about them.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Ctor
}

func NewRegistry() *Registry {
	return &Registry{ctors: map[string]Ctor{}}
}

// Register installs a constructor for a tag. Later registrations for the
// same tag win.
func (r *Registry) Register(tag string, ctor Ctor) {
	r.mu.Lock()
	r.ctors[tag] = ctor
	r.mu.Unlock()
}

// Rehydrate builds a typed event from a row. An unknown tag returns
// (nil, false) rather than an error: rows written by a newer revision of the
// bot are skipped, not fatal.
func (r *Registry) Rehydrate(rec Record) (Event, bool) {
	r.mu.RLock()
	ctor := r.ctors[rec.Event]
	r.mu.RUnlock()
	if ctor == nil {
		return nil, false
	}
	return ctor(rec), true
}

// Tags returns the registered tags in stable order. The dispatch loop
// passes them to the store so unknown rows never become the "earliest"
// timer.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	tags := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		tags = append(tags, t)
	}
	r.mu.RUnlock()
	sort.Strings(tags)
	return tags
}
