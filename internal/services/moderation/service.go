// Package moderation schedules temporary mutes and announces their expiry.
//
// Role mechanics live with the chat platform; this service only owns the
// timing. When a mute timer fires, the expiry is announced in the chat so
// operators (or an external integration) can lift the restriction.
package moderation

import (
	"context"
	"fmt"
	"time"

	"tempobot/internal/eventbus"
	"tempobot/internal/timers"
	"tempobot/internal/transport"
	logx "tempobot/pkg/logx"
)

type Service struct {
	log   logx.Logger
	sched *timers.Scheduler
	bus   eventbus.Bus
	send  transport.Adapter

	unsub func()
}

func New(log logx.Logger, sched *timers.Scheduler, bus eventbus.Bus, send transport.Adapter) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, sched: sched, bus: bus, send: send}
}

func (s *Service) Start(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(16, timers.EventType(timers.TagMute))
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
				mute, ok := e.Data.(*timers.Mute)
				if !ok {
					continue
				}
				s.onExpired(ctx, mute)
			}
		}
	}()
}

func (s *Service) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
}

func (s *Service) onExpired(ctx context.Context, mute *timers.Mute) {
	text := fmt.Sprintf("🔈 Mute for user %d expired (set %s).", mute.TargetID, mute.HumanDelta())
	if _, err := s.send.SendText(ctx, transport.ChatTarget{ChatID: mute.ChatID}, text, nil); err != nil {
		s.log.Warn("mute expiry announcement failed",
			logx.Int64("id", mute.Meta().ID), logx.Int64("target_id", mute.TargetID), logx.Err(err))
		return
	}
	s.log.Info("mute expired", logx.Int64("id", mute.Meta().ID), logx.Int64("target_id", mute.TargetID))
}

// TempMute schedules a mute to be lifted after d.
func (s *Service) TempMute(ctx context.Context, authorID, targetID, chatID, roleID int64, d time.Duration) (timers.Event, error) {
	if d <= 0 {
		return nil, fmt.Errorf("mute duration must be positive")
	}
	return s.sched.Create(ctx, timers.TagMute, time.Now().UTC().Add(d), timers.Extra{
		"author_id": authorID,
		"target_id": targetID,
		"chat_id":   chatID,
		"role_id":   roleID,
	})
}

// Unmute cancels a pending mute timer early.
func (s *Service) Unmute(ctx context.Context, id int64) (bool, error) {
	_, ok, err := s.sched.Cancel(ctx, id)
	return ok, err
}
