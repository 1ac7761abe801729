package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"tempobot/internal/timers"
	logx "tempobot/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled and only the in-memory
// short-timer path works.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the full persistence API. It satisfies timers.Store; the extra
// methods serve listing/ownership queries and user preferences, which the
// dispatch loop itself never touches.
type Store interface {
	timers.Store

	// TimersByOwner lists pending rows of one tag whose payload author_id
	// matches, soonest first. limit <= 0 means no limit.
	TimersByOwner(ctx context.Context, tag string, ownerID int64, limit int) ([]timers.Record, error)
	CountTimersByOwner(ctx context.Context, tag string, ownerID int64) (int, error)

	// DeleteTimersByOwner bulk-deletes and returns the number of rows
	// removed. Callers must restart the scheduler afterwards.
	DeleteTimersByOwner(ctx context.Context, tag string, ownerID int64) (int, error)

	UserTimezone(ctx context.Context, userID int64) (string, bool, error)
	SetUserTimezone(ctx context.Context, userID int64, tz string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
