package timers

import "time"

const TagReminder = "reminder"

// Reminder fires a user-authored message back at its author.
type Reminder struct {
	Base
	AuthorID int64
	ChatID   int64
	Message  string
}

func (r *Reminder) Tag() string { return TagReminder }

// NewReminder builds an unpersisted reminder event. The payload mirrors the
// named fields so the row round-trips through the store.
func NewReminder(expires, created time.Time, authorID, chatID int64, message string) *Reminder {
	return &Reminder{
		Base: Base{
			Created: created,
			Expires: expires,
			Extra: Extra{
				"author_id": authorID,
				"chat_id":   chatID,
				"message":   message,
			},
		},
		AuthorID: authorID,
		ChatID:   chatID,
		Message:  message,
	}
}

func reminderFromRecord(rec Record) Event {
	return &Reminder{
		Base:     Base{ID: rec.ID, Created: rec.Created, Expires: rec.Expires, Extra: rec.Extra},
		AuthorID: rec.Extra.Int64("author_id"),
		ChatID:   rec.Extra.Int64("chat_id"),
		Message:  rec.Extra.String("message"),
	}
}

// RegisterBuiltin installs the variants that ship with the bot.
func RegisterBuiltin(reg *Registry) {
	reg.Register(TagReminder, reminderFromRecord)
	reg.Register(TagMute, muteFromRecord)
}
