package timers

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func TestRegistryRehydrate(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	RegisterBuiltin(reg)

	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	expires := created.Add(time.Hour)

	rec := Record{
		ID:      42,
		Event:   TagReminder,
		Expires: expires,
		Created: created,
		Extra: Extra{
			"author_id": int64(100),
			"chat_id":   int64(200),
			"message":   "stretch",
		},
	}

	ev, ok := reg.Rehydrate(rec)
	if !ok {
		t.Fatal("known tag failed to rehydrate")
	}
	rem, isRem := ev.(*Reminder)
	if !isRem {
		t.Fatalf("rehydrated %T, want *Reminder", ev)
	}
	if rem.AuthorID != 100 || rem.ChatID != 200 || rem.Message != "stretch" {
		t.Fatalf("decoded fields = %+v", rem)
	}
	if rem.Meta().ID != 42 || !rem.Meta().Expires.Equal(expires) {
		t.Fatalf("meta fields = %+v", rem.Meta())
	}
}

func TestRegistryUnknownTag(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	RegisterBuiltin(reg)

	ev, ok := reg.Rehydrate(Record{Event: "ghost"})
	if ok || ev != nil {
		t.Fatalf("unknown tag returned (%v, %v), want (nil, false)", ev, ok)
	}
}

func TestRegistryTags(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	RegisterBuiltin(reg)
	reg.Register("aardvark", reminderFromRecord)

	got := reg.Tags()
	want := []string{"aardvark", TagMute, TagReminder}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tags() = %v, want %v", got, want)
	}
}

// Extra values survive a JSON round-trip as float64; the accessors must not
// care which numeric type comes back.
func TestExtraNumericTolerance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		x    Extra
	}{
		{"int64", Extra{"author_id": int64(7)}},
		{"int", Extra{"author_id": 7}},
		{"float64", Extra{"author_id": float64(7)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.x.Int64("author_id"); got != 7 {
				t.Fatalf("Int64 = %d, want 7", got)
			}
		})
	}

	x := Extra{"message": "hello", "author_id": int64(1)}
	if x.String("message") != "hello" {
		t.Fatalf("String = %q", x.String("message"))
	}
	if x.String("author_id") != "" {
		t.Fatal("String on a number should be empty")
	}
	if x.Int64("missing") != 0 {
		t.Fatal("Int64 on a missing key should be zero")
	}
}

func TestMuteRoundTrip(t *testing.T) {
	t.Parallel()
	created := time.Now().UTC()
	m := NewMute(created.Add(time.Hour), created, 1, 2, 3, 4)

	reg := NewRegistry()
	RegisterBuiltin(reg)
	ev, ok := reg.Rehydrate(Record{
		ID:      9,
		Event:   TagMute,
		Expires: m.Expires,
		Created: m.Created,
		Extra:   m.Extra,
	})
	if !ok {
		t.Fatal("mute failed to rehydrate")
	}
	got := ev.(*Mute)
	if got.AuthorID != 1 || got.TargetID != 2 || got.ChatID != 3 || got.RoleID != 4 {
		t.Fatalf("decoded mute = %+v", got)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"store unavailable", fmt.Errorf("query: %w", ErrStoreUnavailable), true},
		{"conn done", sql.ErrConnDone, true},
		{"plain", errors.New("syntax error"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.want {
				t.Fatalf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
