// Package storage is the persistence layer behind the timer scheduler.
//
// It currently supports:
//   - Pending timer rows (create / earliest-before-horizon / update / delete)
//   - Per-user timezone preferences (absolute time parsing)
//
// Two drivers exist: a dependency-free file backend (jsonl journal plus
// periodic snapshot) and SQLite behind the "sqlite" build tag.
package storage
