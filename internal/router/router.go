// Package router maps inbound chat messages to service calls. It is thin
// glue: parsing stays dumb, all behavior lives in the services.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tempobot/internal/services/moderation"
	"tempobot/internal/services/reminders"
	"tempobot/internal/timeparse"
	"tempobot/internal/transport"
	logx "tempobot/pkg/logx"
)

type Router struct {
	log  logx.Logger
	send transport.Adapter

	rem *reminders.Service
	mod *moderation.Service

	owners map[int64]struct{}
}

func New(log logx.Logger, send transport.Adapter, rem *reminders.Service, mod *moderation.Service, ownerIDs []int64) *Router {
	owners := make(map[int64]struct{}, len(ownerIDs))
	for _, id := range ownerIDs {
		owners[id] = struct{}{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{log: log, send: send, rem: rem, mod: mod, owners: owners}
}

// Run consumes updates until ctx is done.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil {
				continue
			}
			r.handle(ctx, up.Message)
		}
	}
}

func (r *Router) handle(ctx context.Context, m *transport.Message) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	cmd, rest, _ := strings.Cut(text, " ")
	// Strip the "@botname" suffix groups add to commands.
	cmd, _, _ = strings.Cut(strings.ToLower(cmd), "@")
	rest = strings.TrimSpace(rest)

	var reply string
	var err error
	switch cmd {
	case "/remind":
		reply, err = r.cmdRemind(ctx, m, rest)
	case "/reminders":
		reply, err = r.cmdList(ctx, m)
	case "/reminder_del":
		reply, err = r.cmdDelete(ctx, m, rest)
	case "/reminder_clear":
		reply, err = r.cmdClear(ctx, m)
	case "/timezone":
		reply, err = r.cmdTimezone(ctx, m, rest)
	case "/mute":
		reply, err = r.cmdMute(ctx, m, rest)
	case "/unmute":
		reply, err = r.cmdUnmute(ctx, m, rest)
	default:
		return
	}

	if err != nil {
		reply = userFacing(err)
	}
	if reply == "" {
		return
	}
	if _, err := r.send.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID}, reply, nil); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

// userFacing converts an error into a message that is safe and useful to
// show in chat.
func userFacing(err error) string {
	switch {
	case errors.Is(err, timeparse.ErrInvalidExpression):
		return "I could not understand that time. Try \"10m\", \"2d 3h\" or \"tomorrow 9am\"."
	case errors.Is(err, reminders.ErrTooMany):
		return fmt.Sprintf("You already have %d pending reminders.", reminders.MaxPerUser)
	default:
		return "Something went wrong, try again later."
	}
}

// cmdRemind accepts "/remind <when> | <text>" or "/remind <when> <text>"
// where <when> is the first token.
func (r *Router) cmdRemind(ctx context.Context, m *transport.Message, rest string) (string, error) {
	var whenText, message string
	if before, after, ok := strings.Cut(rest, "|"); ok {
		whenText, message = strings.TrimSpace(before), strings.TrimSpace(after)
	} else {
		whenText, message, _ = strings.Cut(rest, " ")
	}
	if whenText == "" {
		return "Usage: /remind <when> | <text>", nil
	}

	ev, expires, err := r.rem.Remind(ctx, m.FromID, m.ChatID, whenText, message)
	if err != nil {
		return "", err
	}
	id := ev.Meta().ID
	if id == 0 {
		// Short timer: never persisted, nothing to reference.
		return fmt.Sprintf("Okay, reminding you at %s.", expires.Format("15:04:05 MST")), nil
	}
	return fmt.Sprintf("Okay, reminder #%d set for %s.", id, expires.Format("2006-01-02 15:04 MST")), nil
}

func (r *Router) cmdList(ctx context.Context, m *transport.Message) (string, error) {
	rems, err := r.rem.List(ctx, m.FromID, 10)
	if err != nil {
		return "", err
	}
	if len(rems) == 0 {
		return "No pending reminders.", nil
	}
	var b strings.Builder
	b.WriteString("Your reminders:\n")
	for _, rem := range rems {
		fmt.Fprintf(&b, "#%d | %s | %s\n",
			rem.Meta().ID, rem.Expires.Format("2006-01-02 15:04 MST"), firstLine(rem.Message))
	}
	return b.String(), nil
}

func (r *Router) cmdDelete(ctx context.Context, m *transport.Message, rest string) (string, error) {
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "Usage: /reminder_del <id>", nil
	}
	ok, err := r.rem.Cancel(ctx, m.FromID, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "No such reminder.", nil
	}
	return fmt.Sprintf("Reminder #%d cancelled.", id), nil
}

func (r *Router) cmdClear(ctx context.Context, m *transport.Message) (string, error) {
	n, err := r.rem.Clear(ctx, m.FromID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed %d reminders.", n), nil
}

func (r *Router) cmdTimezone(ctx context.Context, m *transport.Message, rest string) (string, error) {
	if rest == "" {
		return "Usage: /timezone <IANA zone>, e.g. /timezone Europe/Berlin", nil
	}
	if err := r.rem.SetTimezone(ctx, m.FromID, rest); err != nil {
		return "", err
	}
	return fmt.Sprintf("Timezone set to %s.", rest), nil
}

func (r *Router) cmdMute(ctx context.Context, m *transport.Message, rest string) (string, error) {
	if !r.isOwner(m.FromID) {
		return "", nil
	}
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return "Usage: /mute <user_id> <duration>", nil
	}
	target, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return "Usage: /mute <user_id> <duration>", nil
	}
	until, err := timeparse.Convert(strings.Join(fields[1:], " "), timeparse.Relative, nil, true)
	if err != nil {
		return "", err
	}
	ev, err := r.mod.TempMute(ctx, m.FromID, target, m.ChatID, 0, time.Until(until))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("User %d muted until %s (timer #%d).",
		target, until.Format("2006-01-02 15:04 MST"), ev.Meta().ID), nil
}

func (r *Router) cmdUnmute(ctx context.Context, m *transport.Message, rest string) (string, error) {
	if !r.isOwner(m.FromID) {
		return "", nil
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "Usage: /unmute <timer_id>", nil
	}
	ok, err := r.mod.Unmute(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "No such mute timer.", nil
	}
	return fmt.Sprintf("Mute timer #%d cancelled.", id), nil
}

func (r *Router) isOwner(id int64) bool {
	_, ok := r.owners[id]
	return ok
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
