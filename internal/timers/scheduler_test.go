package timers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tempobot/internal/eventbus"
	logx "tempobot/pkg/logx"
)

// memStore is an in-memory timers.Store with transient-failure injection.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[int64]Record
	creates  int
	failNext int // EarliestTimer failures to inject
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, rows: map[int64]Record{}}
}

func (s *memStore) CreateTimer(ctx context.Context, rec Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextID
	s.nextID++
	s.rows[rec.ID] = rec
	s.creates++
	return rec.ID, nil
}

func (s *memStore) TimerByID(ctx context.Context, id int64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	return rec, ok, nil
}

func (s *memStore) EarliestTimer(ctx context.Context, before time.Time, tags []string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return Record{}, false, fmt.Errorf("%w: injected", ErrStoreUnavailable)
	}
	tagSet := map[string]struct{}{}
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}
	var best Record
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

func (s *memStore) UpdateTimer(ctx context.Context, id int64, expires time.Time, extra Extra) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("timer %d not found", id)
	}
	rec.Expires = expires
	rec.Extra = extra
	s.rows[id] = rec
	return nil
}

func (s *memStore) DeleteTimer(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return false, nil
	}
	delete(s.rows, id)
	return true, nil
}

func (s *memStore) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

func (s *memStore) injectFailures(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func (s *memStore) insertRaw(rec Record) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextID
	s.nextID++
	s.rows[rec.ID] = rec
	return rec.ID
}

// collector gathers fired reminder events from the bus.
type collector struct {
	mu     sync.Mutex
	events []*Reminder
}

func (c *collector) run(ch <-chan eventbus.Event) {
	for e := range ch {
		rem, ok := e.Data.(*Reminder)
		if !ok {
			continue
		}
		c.mu.Lock()
		c.events = append(c.events, rem)
		c.mu.Unlock()
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Message
	}
	return out
}

type fixture struct {
	store *memStore
	sched *Scheduler
	col   *collector
}

// newFixture starts a scheduler with the short-timer bypass disabled
// (cutoff < 0) unless overridden, so every Create exercises the store path.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := newMemStore()
	bus := eventbus.New()
	reg := NewRegistry()
	RegisterBuiltin(reg)

	ch, unsub := bus.Subscribe(64, EventType(TagReminder))
	col := &collector{}
	go col.run(ch)

	sched := New(cfg, store, reg, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		sched.Stop()
		cancel()
		unsub()
	})
	return &fixture{store: store, sched: sched, col: col}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) remind(t *testing.T, in time.Duration, msg string) Event {
	t.Helper()
	ev, err := f.sched.Create(context.Background(), TagReminder, time.Now().UTC().Add(in), Extra{
		"author_id": int64(1), "chat_id": int64(7), "message": msg,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ev
}

func TestShortTimerBypassesStore(t *testing.T) {
	f := newFixture(t, Config{Horizon: time.Hour}) // default 120s cutoff

	ev := f.remind(t, 50*time.Millisecond, "soon")
	if ev.Meta().ID != 0 {
		t.Fatalf("short timer got persisted id %d", ev.Meta().ID)
	}
	if n := f.store.createCount(); n != 0 {
		t.Fatalf("short timer hit the store: %d creates", n)
	}

	waitFor(t, 2*time.Second, "short timer to fire", func() bool { return f.col.count() == 1 })
	if n := f.store.rowCount(); n != 0 {
		t.Fatalf("store has %d rows after short timer", n)
	}
}

func TestStopDoesNotWaitForShortTimers(t *testing.T) {
	f := newFixture(t, Config{Horizon: time.Hour}) // default 120s cutoff

	f.remind(t, 30*time.Second, "pending")

	done := make(chan struct{})
	go func() {
		f.sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an in-flight short timer")
	}
}

func TestIdleWaitingTransitions(t *testing.T) {
	f := newFixture(t, Config{Horizon: time.Hour, ShortCutoff: -1})

	if cur := f.sched.Current(); cur != nil {
		t.Fatalf("expected no current timer while idle, got %v", cur)
	}

	ev := f.remind(t, 200*time.Millisecond, "first")
	if ev.Meta().ID == 0 {
		t.Fatal("timer was not persisted")
	}
	if n := f.store.rowCount(); n != 1 {
		t.Fatalf("store rows = %d, want 1", n)
	}

	waitFor(t, time.Second, "scheduler to wait on the timer", func() bool {
		cur := f.sched.Current()
		return cur != nil && cur.Meta().ID == ev.Meta().ID
	})

	waitFor(t, 2*time.Second, "timer to fire", func() bool { return f.col.count() == 1 })
	waitFor(t, time.Second, "scheduler back to idle", func() bool { return f.sched.Current() == nil })
	if n := f.store.rowCount(); n != 0 {
		t.Fatalf("store rows = %d after dispatch, want 0", n)
	}
}

func TestDispatchOrdering(t *testing.T) {
	f := newFixture(t, Config{Horizon: time.Hour, ShortCutoff: -1})

	// Created out of order on purpose.
	f.remind(t, 300*time.Millisecond, "third")
	f.remind(t, 100*time.Millisecond, "first")
	f.remind(t, 200*time.Millisecond, "second")

	waitFor(t, 2*time.Second, "all timers to fire", func() bool { return f.col.count() == 3 })

	got := f.col.messages()
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestReshuffleScenario(t *testing.T) {
	f := newFixture(t, Config{Horizon: time.Hour, ShortCutoff: -1})

	a := f.remind(t, 400*time.Millisecond, "later")
	waitFor(t, time.Second, "loop waiting on A", func() bool {
		cur := f.sched.Current()
		return cur != nil && cur.Meta().ID == a.Meta().ID
	})

	b := f.remind(t, 120*time.Millisecond, "earlier")
	waitFor(t, time.Second, "reshuffle to B", func() bool {
		cur := f.sched.Current()
		return cur != nil && cur.Meta().ID == b.Meta().ID
	})

	waitFor(t, time.Second, "B to fire", func() bool { return f.col.count() == 1 })
	if got := f.col.messages()[0]; got != "earlier" {
		t.Fatalf("first fired = %q, want %q", got, "earlier")
	}
	// A must still be pending.
	if _, ok, _ := f.store.TimerByID(context.Background(), a.Meta().ID); !ok {
		t.Fatal("later timer vanished after reshuffle")
	}

	waitFor(t, 2*time.Second, "A to fire", func() bool { return f.col.count() == 2 })
	if got := f.col.messages()[1]; got != "later" {
		t.Fatalf("second fired = %q, want %q", got, "later")
	}
}

func TestUpdateReshuffles(t *testing.T) {
	f := newFixture(t, Config{Horizon: time.Hour, ShortCutoff: -1})

	a := f.remind(t, 500*time.Millisecond, "moved")
	b := f.remind(t, 250*time.Millisecond, "steady")
	waitFor(t, time.Second, "loop waiting on B", func() bool {
		cur := f.sched.Current()
		return cur != nil && cur.Meta().ID == b.Meta().ID
	})

	// Pull A in front of B.
	a.Meta().Expires = time.Now().UTC().Add(80 * time.Millisecond)
	if err := f.sched.Update(context.Background(), a); err != nil {
		t.Fatalf("Update: %v", err)
	}

	waitFor(t, 2*time.Second, "both to fire", func() bool { return f.col.count() == 2 })
	got := f.col.messages()
	if got[0] != "moved" || got[1] != "steady" {
		t.Fatalf("dispatch order after update = %v", got)
	}
}

func TestCancelIdempotent(t *testing.T) {
	f := newFixture(t, Config{Horizon: time.Hour, ShortCutoff: -1})
	ctx := context.Background()

	if _, ok, err := f.sched.Cancel(ctx, 999); err != nil || ok {
		t.Fatalf("cancel of unknown id: ok=%v err=%v", ok, err)
	}

	ev := f.remind(t, 10*time.Second, "doomed")
	id := ev.Meta().ID
	waitFor(t, time.Second, "loop waiting on timer", func() bool { return f.sched.Current() != nil })

	got, ok, err := f.sched.Cancel(ctx, id)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if rem, isRem := got.(*Reminder); !isRem || rem.Message != "doomed" {
		t.Fatalf("cancel returned %#v", got)
	}

	// Second cancel is a clean miss.
	if _, ok, err := f.sched.Cancel(ctx, id); err != nil || ok {
		t.Fatalf("second cancel: ok=%v err=%v", ok, err)
	}

	// Cancelling the waited-on timer must not leave the loop sleeping
	// toward the deleted row.
	waitFor(t, time.Second, "loop to go idle after cancel", func() bool { return f.sched.Current() == nil })

	time.Sleep(100 * time.Millisecond)
	if n := f.col.count(); n != 0 {
		t.Fatalf("cancelled timer fired %d times", n)
	}
}

func TestTransientFailureRecovery(t *testing.T) {
	f := newFixture(t, Config{Horizon: time.Hour, ShortCutoff: -1})

	ev := f.remind(t, 250*time.Millisecond, "survivor")
	waitFor(t, time.Second, "loop waiting", func() bool { return f.sched.Current() != nil })

	// Knock the store over a few times; each failed query self-restarts
	// the loop, each restart re-queries.
	f.store.injectFailures(3)
	f.sched.Restart()

	waitFor(t, 2*time.Second, "timer to fire despite failures", func() bool { return f.col.count() >= 1 })
	time.Sleep(150 * time.Millisecond)
	if n := f.col.count(); n != 1 {
		t.Fatalf("timer fired %d times, want exactly once", n)
	}
	if _, ok, _ := f.store.TimerByID(context.Background(), ev.Meta().ID); ok {
		t.Fatal("row still present after dispatch")
	}
}

func TestUnknownTagDoesNotStallKnownTimers(t *testing.T) {
	f := newFixture(t, Config{Horizon: time.Hour, ShortCutoff: -1})

	// A row written by some future revision of the bot.
	f.store.insertRaw(Record{
		Event:   "ghost",
		Expires: time.Now().UTC().Add(50 * time.Millisecond),
		Created: time.Now().UTC(),
		Extra:   Extra{},
	})
	f.remind(t, 150*time.Millisecond, "alive")

	waitFor(t, 2*time.Second, "known timer to fire", func() bool { return f.col.count() == 1 })

	// The orphan row is skipped, not purged.
	if n := f.store.rowCount(); n != 1 {
		t.Fatalf("store rows = %d, want the orphan row to remain", n)
	}
}

func TestGetReturnsPending(t *testing.T) {
	f := newFixture(t, Config{Horizon: time.Hour, ShortCutoff: -1})
	ctx := context.Background()

	ev := f.remind(t, 10*time.Second, "pending")
	got, ok, err := f.sched.Get(ctx, ev.Meta().ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	rem, isRem := got.(*Reminder)
	if !isRem || rem.Message != "pending" || rem.AuthorID != 1 {
		t.Fatalf("Get returned %#v", got)
	}

	if _, ok, _ := f.sched.Get(ctx, 424242); ok {
		t.Fatal("Get of unknown id reported ok")
	}
}
