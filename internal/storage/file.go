package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tempobot/internal/timers"
	logx "tempobot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.timers.snapshot.json (periodic snapshot of all state)
//   - <prefix>.timers.journal.jsonl (append-only journal since snapshot)
//
// The journal is periodically compacted into the snapshot. All reads are
// served from memory; the files exist only to survive restarts.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	journalPath  string

	nextID int64
	rows   map[int64]timers.Record
	users  map[int64]string

	writes int
}

type journalRecord struct {
	Op      string        `json:"op"` // "put", "del", "tz"
	ID      int64         `json:"id,omitempty"`
	Event   string        `json:"event,omitempty"`
	Expires time.Time     `json:"expires,omitzero"`
	Created time.Time     `json:"created,omitzero"`
	Extra   timers.Extra  `json:"extra,omitempty"`
	UserID  int64         `json:"user_id,omitempty"`
	TZ      string        `json:"tz,omitempty"`
}

type snapshot struct {
	NextID int64                   `json:"next_id"`
	Rows   map[int64]timers.Record `json:"rows"`
	Users  map[int64]string        `json:"users"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".timers.snapshot.json",
		journalPath:  prefix + ".timers.journal.jsonl",
		nextID:       1,
		rows:         map[int64]timers.Record{},
		users:        map[int64]string{},
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := s.replayJournal(); err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		s.log.Warn("timer snapshot unreadable, starting empty", logx.Err(err))
		return nil
	}
	if snap.NextID > 0 {
		s.nextID = snap.NextID
	}
	if snap.Rows != nil {
		s.rows = snap.Rows
	}
	if snap.Users != nil {
		s.users = snap.Users
	}
	return nil
}

func (s *fileStore) replayJournal() error {
	f, err := os.Open(s.journalPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var jr journalRecord
		if err := json.Unmarshal([]byte(line), &jr); err != nil {
			// Torn tail write from a crash; everything before it is good.
			s.log.Warn("skipping corrupt journal line", logx.Err(err))
			continue
		}
		s.applyLocked(jr)
	}
	return sc.Err()
}

func (s *fileStore) applyLocked(jr journalRecord) {
	switch jr.Op {
	case "put":
		s.rows[jr.ID] = timers.Record{
			ID: jr.ID, Event: jr.Event, Expires: jr.Expires, Created: jr.Created, Extra: jr.Extra,
		}
		if jr.ID >= s.nextID {
			s.nextID = jr.ID + 1
		}
	case "del":
		delete(s.rows, jr.ID)
	case "tz":
		s.users[jr.UserID] = jr.TZ
	}
}

func (s *fileStore) appendLocked(jr journalRecord) error {
	if s.journalFile == nil {
		return errors.New("timer journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(jr); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{NextID: s.nextID, Rows: s.rows, Users: s.users}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 0)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	cerr := s.journalFile.Close()
	s.journalFile = nil
	if err != nil {
		return err
	}
	return cerr
}

// ---- timers.Store ----

func (s *fileStore) CreateTimer(ctx context.Context, rec timers.Record) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextID
	s.nextID++
	s.rows[rec.ID] = rec
	if err := s.appendLocked(journalRecord{
		Op: "put", ID: rec.ID, Event: rec.Event, Expires: rec.Expires, Created: rec.Created, Extra: rec.Extra,
	}); err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func (s *fileStore) TimerByID(ctx context.Context, id int64) (timers.Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	return rec, ok, nil
}

func (s *fileStore) EarliestTimer(ctx context.Context, before time.Time, tags []string) (timers.Record, bool, error) {
	_ = ctx
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var best timers.Record
	found := false
	for _, rec := range s.rows {
		if _, ok := tagSet[rec.Event]; !ok {
			continue
		}
		if !rec.Expires.Before(before) {
			continue
		}
		if !found || rec.Expires.Before(best.Expires) {
			best = rec
			found = true
		}
	}
	return best, found, nil
}

func (s *fileStore) UpdateTimer(ctx context.Context, id int64, expires time.Time, extra timers.Extra) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return errors.New("timer not found")
	}
	rec.Expires = expires
	rec.Extra = extra
	s.rows[id] = rec
	return s.appendLocked(journalRecord{
		Op: "put", ID: rec.ID, Event: rec.Event, Expires: rec.Expires, Created: rec.Created, Extra: rec.Extra,
	})
}

func (s *fileStore) DeleteTimer(ctx context.Context, id int64) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return false, nil
	}
	delete(s.rows, id)
	return true, s.appendLocked(journalRecord{Op: "del", ID: id})
}

// ---- listing / ownership ----

func (s *fileStore) ownedLocked(tag string, ownerID int64) []timers.Record {
	var out []timers.Record
	for _, rec := range s.rows {
		if rec.Event == tag && rec.Extra.Int64("author_id") == ownerID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expires.Before(out[j].Expires) })
	return out
}

func (s *fileStore) TimersByOwner(ctx context.Context, tag string, ownerID int64, limit int) ([]timers.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.ownedLocked(tag, ownerID)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) CountTimersByOwner(ctx context.Context, tag string, ownerID int64) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ownedLocked(tag, ownerID)), nil
}

func (s *fileStore) DeleteTimersByOwner(ctx context.Context, tag string, ownerID int64) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := s.ownedLocked(tag, ownerID)
	for _, rec := range owned {
		delete(s.rows, rec.ID)
		if err := s.appendLocked(journalRecord{Op: "del", ID: rec.ID}); err != nil {
			return 0, err
		}
	}
	return len(owned), nil
}

// ---- user preferences ----

func (s *fileStore) UserTimezone(ctx context.Context, userID int64) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	tz, ok := s.users[userID]
	return tz, ok, nil
}

func (s *fileStore) SetUserTimezone(ctx context.Context, userID int64, tz string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = tz
	return s.appendLocked(journalRecord{Op: "tz", UserID: userID, TZ: tz})
}
