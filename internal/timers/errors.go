package timers

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"syscall"
)

// ErrStoreUnavailable marks a connectivity-class store failure. Store
// implementations wrap transient errors (closed connections, locked
// database files) with it so the dispatch loop can tell "retry" from
// "give up".
var ErrStoreUnavailable = errors.New("timer store unavailable")

// isTransient reports whether the dispatch loop should self-restart instead
// of dying. The retry is unbounded and has no backoff: the outer transport
// reconnect layer already rate-limits recovery.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
