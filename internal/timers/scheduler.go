package timers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tempobot/internal/eventbus"
	logx "tempobot/pkg/logx"
)

// EventType is the bus event type published when a timer with the given tag
// fires.
func EventType(tag string) string { return "timer." + tag }

type Config struct {
	// Horizon bounds how far ahead the dispatch loop looks. A single sleep
	// never exceeds it, which keeps us clear of platform limits on very
	// long timer waits. Default 30 days.
	Horizon time.Duration

	// ShortCutoff is the threshold under which a new timer skips the store
	// and runs on an in-memory sleep. Default 120s; negative disables the
	// bypass entirely.
	ShortCutoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = 30 * 24 * time.Hour
	}
	if c.ShortCutoff < 0 {
		c.ShortCutoff = 0
	} else if c.ShortCutoff == 0 {
		c.ShortCutoff = 120 * time.Second
	}
	return c
}

// Scheduler owns the dispatch loop and all timer mutation paths.
// One instance per running bot; constructed by the composition root.
type Scheduler struct {
	cfg   Config
	store Store
	reg   *Registry
	bus   eventbus.Bus
	log   logx.Logger

	// ready gates the first store query so the loop cannot race database
	// and gateway initialization. Nil means immediately ready.
	ready <-chan struct{}

	mu         sync.Mutex
	base       context.Context
	baseCancel context.CancelFunc
	gen        uint64 // incremented on every loop (re)start; orphans stale loops
	cancel     context.CancelFunc
	running    bool
	current    Event

	wg sync.WaitGroup
}

type Option func(*Scheduler)

// WithReady installs the application readiness gate.
func WithReady(ready <-chan struct{}) Option {
	return func(s *Scheduler) { s.ready = ready }
}

func New(cfg Config, store Store, reg *Registry, bus eventbus.Bus, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:   cfg.withDefaults(),
		store: store,
		reg:   reg,
		bus:   bus,
		log:   log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Current returns the event the dispatch loop is sleeping toward, or nil
// while the loop is idle or between timers.
func (s *Scheduler) Current() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Start launches the dispatch loop. The context bounds the scheduler's
// lifetime; Stop (or cancelling it) ends all loops and short timers.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base != nil {
		return
	}
	s.base, s.baseCancel = context.WithCancel(ctx)
	s.startLoopLocked()
}

// Stop cancels the dispatch loop and any in-flight short timers, then waits
// for them to exit. The scheduler cannot be restarted afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.baseCancel != nil {
		s.baseCancel()
	}
	s.running = false
	s.current = nil
	s.mu.Unlock()
	s.wg.Wait()
}

// Restart cancels the current dispatch loop and starts a fresh one. Used
// after external state changes the loop cannot observe, e.g. bulk-deleting
// a user's timers.
func (s *Scheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		return
	}
	s.restartLocked()
	s.log.Info("scheduler restarted")
}

// EnsureRunning starts a dispatch loop if none is alive. The keep-alive
// tick calls this so timers beyond the horizon are eventually picked up.
func (s *Scheduler) EnsureRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil || s.running {
		return
	}
	s.startLoopLocked()
}

// Create schedules a new timer and returns its typed event.
//
// Timers due within the short cutoff are never persisted: they run on an
// in-memory sleep and the returned event keeps ID 0. Everything else is
// written to the store; if the new expiry is strictly earlier than the
// timer currently being waited on, the loop is restarted to pick it up.
func (s *Scheduler) Create(ctx context.Context, tag string, expires time.Time, extra Extra) (Event, error) {
	expires = expires.UTC()
	now := time.Now().UTC()

	rec := Record{Event: tag, Expires: expires, Created: now, Extra: extra}
	ev, ok := s.reg.Rehydrate(rec)
	if !ok {
		return nil, fmt.Errorf("unknown timer event tag %q", tag)
	}

	if delta := expires.Sub(now); delta <= s.cfg.ShortCutoff {
		s.spawnShortTimer(delta, ev)
		return ev, nil
	}

	id, err := s.store.CreateTimer(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create timer: %w", err)
	}
	ev.Meta().ID = id

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.base == nil:
		// Not started yet; the initial loop will find the row.
	case !s.running:
		s.startLoopLocked()
	case s.current == nil:
		// Loop is between waits (querying or dispatching); restart so the
		// fresh query cannot have missed the row we just wrote.
		s.restartLocked()
	case expires.Before(s.current.Meta().Expires):
		s.log.Debug("reshuffled timers, created timer is now the earliest",
			logx.String("tag", tag), logx.Int64("id", id))
		s.restartLocked()
	}
	return ev, nil
}

// Update persists a changed expiry/payload for an existing timer and
// applies the same reshuffle rule as Create.
func (s *Scheduler) Update(ctx context.Context, ev Event) error {
	meta := ev.Meta()
	if meta.ID == 0 {
		return fmt.Errorf("update timer: event was never persisted")
	}
	expires := meta.Expires.UTC()
	if err := s.store.UpdateTimer(ctx, meta.ID, expires, meta.Extra); err != nil {
		return fmt.Errorf("update timer %d: %w", meta.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && expires.Before(s.current.Meta().Expires) {
		s.restartLocked()
	}
	return nil
}

// Cancel deletes a pending timer and returns its reconstructed event.
// Cancelling an absent id is a no-op returning ok=false. If the cancelled
// timer is the one currently being waited on, the loop is restarted so it
// does not keep sleeping toward a deleted row.
func (s *Scheduler) Cancel(ctx context.Context, id int64) (Event, bool, error) {
	rec, found, err := s.store.TimerByID(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("cancel timer %d: %w", id, err)
	}
	if !found {
		return nil, false, nil
	}
	if _, err := s.store.DeleteTimer(ctx, id); err != nil {
		return nil, false, fmt.Errorf("cancel timer %d: %w", id, err)
	}

	s.mu.Lock()
	if s.current != nil && s.current.Meta().ID == id {
		s.restartLocked()
	}
	s.mu.Unlock()

	ev, ok := s.reg.Rehydrate(rec)
	if !ok {
		return nil, false, nil
	}
	return ev, true, nil
}

// Get returns a pending timer by id without touching it.
func (s *Scheduler) Get(ctx context.Context, id int64) (Event, bool, error) {
	rec, found, err := s.store.TimerByID(ctx, id)
	if err != nil || !found {
		return nil, false, err
	}
	ev, ok := s.reg.Rehydrate(rec)
	if !ok {
		return nil, false, nil
	}
	return ev, true, nil
}

// ---- dispatch loop ----

// startLoopLocked replaces the dispatch loop. All mutation paths funnel
// through here (or restartLocked) so the cancel-and-respawn sequence exists
// exactly once. Caller holds mu.
func (s *Scheduler) startLoopLocked() {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	s.running = true
	s.current = nil
	s.wg.Add(1)
	go s.run(ctx, gen)
}

func (s *Scheduler) restartLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.startLoopLocked()
}

func (s *Scheduler) run(ctx context.Context, gen uint64) {
	defer s.wg.Done()
	defer func() {
		// Only the loop that is still current may flip the state to idle;
		// a replaced loop must not stomp its successor.
		s.mu.Lock()
		if gen == s.gen {
			s.running = false
			s.current = nil
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	if !s.awaitReady(ctx) {
		return
	}

	for {
		rec, found, err := s.store.EarliestTimer(ctx, time.Now().UTC().Add(s.cfg.Horizon), s.reg.Tags())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTransient(err) {
				s.log.Warn("timer store unavailable, restarting dispatch loop", logx.Err(err))
				s.replaceSelf(gen)
				return
			}
			s.log.Error("dispatch loop query failed", logx.Err(err))
			return
		}
		if !found {
			// Nothing pending within the horizon: go idle. The next Create
			// (or the keep-alive tick) starts a fresh loop.
			return
		}

		ev, ok := s.reg.Rehydrate(rec)
		if !ok {
			// Tags are filtered in the query; hitting this means the
			// registry shrank mid-flight. Treat like idle.
			return
		}

		if !s.setCurrent(gen, ev) {
			return
		}

		if wait := time.Until(rec.Expires); wait > 0 {
			s.log.Info("waiting for next timer",
				logx.String("tag", rec.Event), logx.Int64("id", rec.ID), logx.Duration("in", wait))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		if err := s.dispatch(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTransient(err) {
				s.log.Warn("dispatch failed, restarting dispatch loop", logx.Err(err))
				s.replaceSelf(gen)
				return
			}
			s.log.Error("dispatch failed", logx.Err(err))
			return
		}
		s.clearCurrent(gen)
	}
}

func (s *Scheduler) awaitReady(ctx context.Context) bool {
	if s.ready == nil {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.ready:
		return true
	}
}

// replaceSelf spawns a fresh loop after a transient failure, unless a newer
// loop already took over.
func (s *Scheduler) replaceSelf(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.restartLocked()
}

func (s *Scheduler) setCurrent(gen uint64, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	s.current = ev
	return true
}

func (s *Scheduler) clearCurrent(gen uint64) {
	s.mu.Lock()
	if gen == s.gen {
		s.current = nil
	}
	s.mu.Unlock()
}

// dispatch deletes the row first, then publishes. A crash between the two
// loses the event rather than double-firing it; a row deleted out from
// under us (cancel race) makes the delete a no-op and we still publish,
// matching the store's idempotent delete semantics.
func (s *Scheduler) dispatch(ctx context.Context, ev Event) error {
	meta := ev.Meta()
	if meta.ID != 0 {
		if _, err := s.store.DeleteTimer(ctx, meta.ID); err != nil {
			return err
		}
	}
	s.publish(ev)
	s.log.Info("dispatched timer", logx.String("tag", ev.Tag()), logx.Int64("id", meta.ID))
	return nil
}

func (s *Scheduler) publish(ev Event) {
	s.bus.Publish(eventbus.Event{
		Type: EventType(ev.Tag()),
		Time: time.Now().UTC(),
		Data: ev,
	})
}

// spawnShortTimer runs the sub-cutoff fast path: sleep in memory, publish,
// never touch the store.
func (s *Scheduler) spawnShortTimer(delta time.Duration, ev Event) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if delta > 0 {
			t := time.NewTimer(delta)
			select {
			case <-base.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		s.publish(ev)
	}()
}
