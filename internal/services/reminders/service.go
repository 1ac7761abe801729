// Package reminders turns user text into reminder timers and delivers them
// back when they fire.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tempobot/internal/eventbus"
	"tempobot/internal/storage"
	"tempobot/internal/timeparse"
	"tempobot/internal/timers"
	"tempobot/internal/transport"
	logx "tempobot/pkg/logx"
)

// MaxPerUser bounds how many pending reminders one user may hold.
const MaxPerUser = 25

var ErrTooMany = errors.New("too many pending reminders")

type Service struct {
	log   logx.Logger
	sched *timers.Scheduler
	store storage.Store
	bus   eventbus.Bus
	send  transport.Adapter

	// defaultLoc is used for absolute parsing when the user has no stored
	// timezone preference.
	defaultLoc *time.Location

	unsub func()
}

func New(log logx.Logger, sched *timers.Scheduler, store storage.Store, bus eventbus.Bus, send transport.Adapter, defaultLoc *time.Location) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Service{
		log:        log,
		sched:      sched,
		store:      store,
		bus:        bus,
		send:       send,
		defaultLoc: defaultLoc,
	}
}

// Start subscribes to fired reminder timers and delivers them until ctx is
// done.
func (s *Service) Start(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(32, timers.EventType(timers.TagReminder))
	s.unsub = unsub
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				rem, ok := e.Data.(*timers.Reminder)
				if !ok {
					continue
				}
				s.deliver(ctx, rem)
			}
		}
	}()
}

func (s *Service) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
}

func (s *Service) deliver(ctx context.Context, rem *timers.Reminder) {
	text := fmt.Sprintf("⏰ Reminder (set %s):\n%s", rem.HumanDelta(), rem.Message)
	_, err := s.send.SendText(ctx, transport.ChatTarget{ChatID: rem.ChatID}, text, nil)
	if err != nil {
		s.log.Warn("reminder delivery failed",
			logx.Int64("id", rem.Meta().ID), logx.Int64("chat_id", rem.ChatID), logx.Err(err))
		return
	}
	s.log.Info("reminder delivered", logx.Int64("id", rem.Meta().ID), logx.Int64("author_id", rem.AuthorID))
}

// Remind parses whenText (relative first, then absolute in the user's
// timezone) and schedules a reminder. Returns the created event and the
// resolved expiry.
func (s *Service) Remind(ctx context.Context, authorID, chatID int64, whenText, message string) (timers.Event, time.Time, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "…"
	}

	if s.store != nil {
		n, err := s.store.CountTimersByOwner(ctx, timers.TagReminder, authorID)
		if err != nil {
			return nil, time.Time{}, err
		}
		if n >= MaxPerUser {
			return nil, time.Time{}, ErrTooMany
		}
	}

	expires, err := s.resolveWhen(ctx, authorID, whenText)
	if err != nil {
		return nil, time.Time{}, err
	}

	ev, err := s.sched.Create(ctx, timers.TagReminder, expires, timers.Extra{
		"author_id": authorID,
		"chat_id":   chatID,
		"message":   message,
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return ev, expires, nil
}

func (s *Service) resolveWhen(ctx context.Context, authorID int64, whenText string) (time.Time, error) {
	if t, err := timeparse.Convert(whenText, timeparse.Relative, nil, true); err == nil {
		return t, nil
	}
	loc := s.userLocation(ctx, authorID)
	return timeparse.Convert(whenText, timeparse.Absolute, loc, true)
}

func (s *Service) userLocation(ctx context.Context, userID int64) *time.Location {
	if s.store == nil {
		return s.defaultLoc
	}
	tz, ok, err := s.store.UserTimezone(ctx, userID)
	if err != nil || !ok {
		return s.defaultLoc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("stored timezone invalid, using default",
			logx.Int64("user_id", userID), logx.String("tz", tz))
		return s.defaultLoc
	}
	return loc
}

// List returns the user's pending reminders, soonest first.
func (s *Service) List(ctx context.Context, authorID int64, limit int) ([]*timers.Reminder, error) {
	if s.store == nil {
		return nil, nil
	}
	recs, err := s.store.TimersByOwner(ctx, timers.TagReminder, authorID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*timers.Reminder, 0, len(recs))
	for _, rec := range recs {
		rem, ok := reminderFromRecord(rec)
		if !ok {
			continue
		}
		out = append(out, rem)
	}
	return out, nil
}

func reminderFromRecord(rec timers.Record) (*timers.Reminder, bool) {
	return &timers.Reminder{
		Base: timers.Base{
			ID: rec.ID, Created: rec.Created, Expires: rec.Expires, Extra: rec.Extra,
		},
		AuthorID: rec.Extra.Int64("author_id"),
		ChatID:   rec.Extra.Int64("chat_id"),
		Message:  rec.Extra.String("message"),
	}, rec.Event == timers.TagReminder
}

// Cancel deletes one reminder, enforcing ownership.
func (s *Service) Cancel(ctx context.Context, authorID, id int64) (bool, error) {
	ev, ok, err := s.sched.Get(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	rem, isRem := ev.(*timers.Reminder)
	if !isRem || rem.AuthorID != authorID {
		return false, nil
	}
	_, ok, err = s.sched.Cancel(ctx, id)
	return ok, err
}

// Clear bulk-deletes all of the user's reminders. The dispatch loop cannot
// observe the bulk delete, so it is restarted.
func (s *Service) Clear(ctx context.Context, authorID int64) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	n, err := s.store.DeleteTimersByOwner(ctx, timers.TagReminder, authorID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.sched.Restart()
	}
	return n, nil
}

// SetTimezone stores a user's timezone preference after validating it.
func (s *Service) SetTimezone(ctx context.Context, userID int64, tz string) error {
	if s.store == nil {
		return storage.ErrDisabled
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", timeparse.ErrInvalidExpression, tz)
	}
	return s.store.SetUserTimezone(ctx, userID, tz)
}
