package timers

import "time"

const TagMute = "mute"

// Mute marks a temporary mute that should be lifted at expiry.
type Mute struct {
	Base
	AuthorID int64
	TargetID int64
	ChatID   int64
	RoleID   int64
}

func (m *Mute) Tag() string { return TagMute }

func NewMute(expires, created time.Time, authorID, targetID, chatID, roleID int64) *Mute {
	return &Mute{
		Base: Base{
			Created: created,
			Expires: expires,
			Extra: Extra{
				"author_id": authorID,
				"target_id": targetID,
				"chat_id":   chatID,
				"role_id":   roleID,
			},
		},
		AuthorID: authorID,
		TargetID: targetID,
		ChatID:   chatID,
		RoleID:   roleID,
	}
}

func muteFromRecord(rec Record) Event {
	return &Mute{
		Base:     Base{ID: rec.ID, Created: rec.Created, Expires: rec.Expires, Extra: rec.Extra},
		AuthorID: rec.Extra.Int64("author_id"),
		TargetID: rec.Extra.Int64("target_id"),
		ChatID:   rec.Extra.Int64("chat_id"),
		RoleID:   rec.Extra.Int64("role_id"),
	}
}
