// Package timers implements tempobot's delayed-timer scheduler.
//
// # Overview
//
// A timer is a row in the timer store: an event tag, an absolute UTC expiry,
// and an opaque payload. A single dispatch goroutine waits for the
// next-expiring row and, when it comes due, deletes the row and publishes a
// "timer.<tag>" event on the bus. Services subscribe to those events to
// deliver reminders, lift mutes, and so on.
//
// # Invariants
//
//   - At most one dispatch goroutine is alive at any time. Starting a new
//     one always cancels the previous one first.
//   - Current() is non-nil exactly while the loop is sleeping toward a known
//     expiry.
//   - A row is deleted exactly once, at the moment its event is dispatched:
//     not before (a crash leaves it re-dispatchable), not after (it cannot
//     double-fire on a clean run).
//   - Timers due within the short cutoff (120s by default) bypass the store
//     and run on an in-memory sleep. They trade durability for latency.
//
// # Reshuffling
//
// Creating or updating a timer that expires strictly earlier than the one
// currently being waited on restarts the dispatch loop; the fresh loop
// re-reads the store and picks up the new earliest row. The loop never
// changes its sleep target in place.
package timers
