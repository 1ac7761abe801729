//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tempobot/internal/timers"
	logx "tempobot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// classify wraps connectivity-class failures with timers.ErrStoreUnavailable
// so the dispatch loop retries them instead of dying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", timers.ErrStoreUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") ||
		strings.Contains(msg, "closed") {
		return fmt.Errorf("%w: %v", timers.ErrStoreUnavailable, err)
	}
	return err
}

func marshalExtra(extra timers.Extra) (string, error) {
	if extra == nil {
		return "{}", nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func scanTimer(row interface{ Scan(...any) error }) (timers.Record, error) {
	var rec timers.Record
	var expires, created int64
	var extraJSON string
	if err := row.Scan(&rec.ID, &rec.Event, &expires, &created, &extraJSON); err != nil {
		return rec, err
	}
	rec.Expires = time.Unix(0, expires).UTC()
	rec.Created = time.Unix(0, created).UTC()
	if err := json.Unmarshal([]byte(extraJSON), &rec.Extra); err != nil {
		return rec, err
	}
	return rec, nil
}

// ---- timers.Store ----

func (s *sqliteStore) CreateTimer(ctx context.Context, rec timers.Record) (int64, error) {
	extraJSON, err := marshalExtra(rec.Extra)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO timers(event, expires, created, extra) VALUES(?,?,?,?)`,
		rec.Event,
		rec.Expires.UnixNano(),
		rec.Created.UnixNano(),
		extraJSON,
	)
	if err != nil {
		return 0, classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}

func (s *sqliteStore) TimerByID(ctx context.Context, id int64) (timers.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event, expires, created, extra FROM timers WHERE id = ?`, id)
	rec, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return timers.Record{}, false, nil
	}
	if err != nil {
		return timers.Record{}, false, classify(err)
	}
	return rec, true, nil
}

func (s *sqliteStore) EarliestTimer(ctx context.Context, before time.Time, tags []string) (timers.Record, bool, error) {
	if len(tags) == 0 {
		return timers.Record{}, false, nil
	}
	placeholders := strings.Repeat("?,", len(tags))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(tags)+1)
	args = append(args, before.UnixNano())
	for _, t := range tags {
		args = append(args, t)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, event, expires, created, extra FROM timers
		 WHERE expires < ? AND event IN (`+placeholders+`)
		 ORDER BY expires ASC LIMIT 1`, args...)
	rec, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return timers.Record{}, false, nil
	}
	if err != nil {
		return timers.Record{}, false, classify(err)
	}
	return rec, true, nil
}

func (s *sqliteStore) UpdateTimer(ctx context.Context, id int64, expires time.Time, extra timers.Extra) error {
	extraJSON, err := marshalExtra(extra)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE timers SET expires = ?, extra = ? WHERE id = ?`,
		expires.UnixNano(), extraJSON, id)
	return classify(err)
}

func (s *sqliteStore) DeleteTimer(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id)
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---- listing / ownership ----

func (s *sqliteStore) TimersByOwner(ctx context.Context, tag string, ownerID int64, limit int) ([]timers.Record, error) {
	q := `SELECT id, event, expires, created, extra FROM timers
	      WHERE event = ? AND json_extract(extra, '$.author_id') = ?
	      ORDER BY expires ASC`
	args := []any{tag, ownerID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []timers.Record
	for rows.Next() {
		rec, err := scanTimer(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, rec)
	}
	return out, classify(rows.Err())
}

func (s *sqliteStore) CountTimersByOwner(ctx context.Context, tag string, ownerID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM timers WHERE event = ? AND json_extract(extra, '$.author_id') = ?`,
		tag, ownerID).Scan(&n)
	return n, classify(err)
}

func (s *sqliteStore) DeleteTimersByOwner(ctx context.Context, tag string, ownerID int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM timers WHERE event = ? AND json_extract(extra, '$.author_id') = ?`,
		tag, ownerID)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- user preferences ----

func (s *sqliteStore) UserTimezone(ctx context.Context, userID int64) (string, bool, error) {
	var tz string
	err := s.db.QueryRowContext(ctx, `SELECT tz FROM users WHERE id = ?`, userID).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return tz, true, nil
}

func (s *sqliteStore) SetUserTimezone(ctx context.Context, userID int64, tz string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, tz) VALUES(?,?)
		 ON CONFLICT(id) DO UPDATE SET tz=excluded.tz`,
		userID, tz)
	return classify(err)
}
