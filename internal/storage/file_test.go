package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tempobot/internal/timers"
	logx "tempobot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func reminderRec(expires time.Time, author int64, msg string) timers.Record {
	return timers.Record{
		Event:   timers.TagReminder,
		Expires: expires,
		Created: time.Now().UTC(),
		Extra: timers.Extra{
			"author_id": author, "chat_id": int64(1), "message": msg,
		},
	}
}

func TestFileStoreCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	expires := time.Now().UTC().Add(time.Hour)
	id, err := st.CreateTimer(ctx, reminderRec(expires, 10, "one"))
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if id == 0 {
		t.Fatal("got id 0")
	}

	rec, ok, err := st.TimerByID(ctx, id)
	if err != nil || !ok {
		t.Fatalf("TimerByID: ok=%v err=%v", ok, err)
	}
	if rec.Extra.String("message") != "one" || !rec.Expires.Equal(expires) {
		t.Fatalf("row = %+v", rec)
	}

	moved := expires.Add(30 * time.Minute)
	if err := st.UpdateTimer(ctx, id, moved, rec.Extra); err != nil {
		t.Fatalf("UpdateTimer: %v", err)
	}
	rec, _, _ = st.TimerByID(ctx, id)
	if !rec.Expires.Equal(moved) {
		t.Fatalf("expiry after update = %v, want %v", rec.Expires, moved)
	}

	existed, err := st.DeleteTimer(ctx, id)
	if err != nil || !existed {
		t.Fatalf("DeleteTimer: existed=%v err=%v", existed, err)
	}
	// Deleting again is a clean no-op.
	existed, err = st.DeleteTimer(ctx, id)
	if err != nil || existed {
		t.Fatalf("second delete: existed=%v err=%v", existed, err)
	}
}

func TestFileStoreEarliest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	now := time.Now().UTC()
	idLater, _ := st.CreateTimer(ctx, reminderRec(now.Add(2*time.Hour), 1, "later"))
	idSoon, _ := st.CreateTimer(ctx, reminderRec(now.Add(30*time.Minute), 1, "soon"))
	st.CreateTimer(ctx, reminderRec(now.Add(100*time.Hour), 1, "beyond"))
	_ = idLater

	tags := []string{timers.TagReminder}

	rec, found, err := st.EarliestTimer(ctx, now.Add(24*time.Hour), tags)
	if err != nil || !found {
		t.Fatalf("EarliestTimer: found=%v err=%v", found, err)
	}
	if rec.ID != idSoon {
		t.Fatalf("earliest = %d, want %d", rec.ID, idSoon)
	}

	// Cutoff excludes everything.
	_, found, err = st.EarliestTimer(ctx, now.Add(time.Minute), tags)
	if err != nil || found {
		t.Fatalf("pre-cutoff query: found=%v err=%v", found, err)
	}

	// Tag filter excludes everything.
	_, found, err = st.EarliestTimer(ctx, now.Add(24*time.Hour), []string{"ghost"})
	if err != nil || found {
		t.Fatalf("foreign-tag query: found=%v err=%v", found, err)
	}
}

func TestFileStoreOwnerQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	now := time.Now().UTC()
	st.CreateTimer(ctx, reminderRec(now.Add(3*time.Hour), 1, "c"))
	st.CreateTimer(ctx, reminderRec(now.Add(1*time.Hour), 1, "a"))
	st.CreateTimer(ctx, reminderRec(now.Add(2*time.Hour), 1, "b"))
	st.CreateTimer(ctx, reminderRec(now.Add(1*time.Hour), 2, "other user"))

	n, err := st.CountTimersByOwner(ctx, timers.TagReminder, 1)
	if err != nil || n != 3 {
		t.Fatalf("count = %d err = %v, want 3", n, err)
	}

	rows, err := st.TimersByOwner(ctx, timers.TagReminder, 1, 2)
	if err != nil {
		t.Fatalf("TimersByOwner: %v", err)
	}
	if len(rows) != 2 || rows[0].Extra.String("message") != "a" || rows[1].Extra.String("message") != "b" {
		t.Fatalf("rows = %+v", rows)
	}

	removed, err := st.DeleteTimersByOwner(ctx, timers.TagReminder, 1)
	if err != nil || removed != 3 {
		t.Fatalf("bulk delete removed %d err %v, want 3", removed, err)
	}
	n, _ = st.CountTimersByOwner(ctx, timers.TagReminder, 2)
	if n != 1 {
		t.Fatalf("other user's rows were touched, count = %d", n)
	}
}

func TestFileStoreTimezones(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	if _, ok, err := st.UserTimezone(ctx, 5); err != nil || ok {
		t.Fatalf("unset timezone: ok=%v err=%v", ok, err)
	}
	if err := st.SetUserTimezone(ctx, 5, "Europe/Berlin"); err != nil {
		t.Fatal(err)
	}
	tz, ok, err := st.UserTimezone(ctx, 5)
	if err != nil || !ok || tz != "Europe/Berlin" {
		t.Fatalf("timezone = %q ok=%v err=%v", tz, ok, err)
	}
}

func TestFileStoreReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestStore(t, dir)
	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	id, err := st.CreateTimer(ctx, reminderRec(expires, 42, "persisted"))
	if err != nil {
		t.Fatal(err)
	}
	st.CreateTimer(ctx, reminderRec(expires.Add(time.Hour), 42, "second"))
	if err := st.SetUserTimezone(ctx, 42, "Asia/Tokyo"); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2 := openTestStore(t, dir)
	defer st2.Close()

	rec, ok, err := st2.TimerByID(ctx, id)
	if err != nil || !ok {
		t.Fatalf("row lost across reopen: ok=%v err=%v", ok, err)
	}
	if rec.Extra.String("message") != "persisted" || !rec.Expires.Equal(expires) {
		t.Fatalf("reloaded row = %+v", rec)
	}
	if rec.Extra.Int64("author_id") != 42 {
		t.Fatalf("payload numbers did not survive the round-trip: %+v", rec.Extra)
	}

	tz, ok, _ := st2.UserTimezone(ctx, 42)
	if !ok || tz != "Asia/Tokyo" {
		t.Fatalf("timezone lost across reopen: %q", tz)
	}

	// Fresh ids must not collide with reloaded ones.
	id2, err := st2.CreateTimer(ctx, reminderRec(expires, 42, "new"))
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id {
		t.Fatalf("new id %d collides with reloaded id %d", id2, id)
	}
}

func TestFileStoreJournalReplayWithTornTail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestStore(t, dir)
	id, _ := st.CreateTimer(ctx, reminderRec(time.Now().UTC().Add(time.Hour), 1, "keep"))

	// Simulate a crash: abandon the store without Close so nothing is
	// compacted, then corrupt the journal tail.
	journal := filepath.Join(dir, "bot.timers.journal.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"op":"put","id":99,"ev`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	st2 := openTestStore(t, dir)
	defer st2.Close()

	if _, ok, _ := st2.TimerByID(ctx, id); !ok {
		t.Fatal("intact journal entry lost")
	}
	if _, ok, _ := st2.TimerByID(ctx, 99); ok {
		t.Fatal("torn journal line materialized a row")
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
