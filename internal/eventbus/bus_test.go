package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "timer.reminder", Data: "hi"})

	select {
	case e := <-ch:
		if e.Type != "timer.reminder" || e.Data != "hi" {
			t.Fatalf("got %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish did not stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTypeFilter(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, "timer.mute")
	defer unsub()

	b.Publish(Event{Type: "timer.reminder"})
	b.Publish(Event{Type: "timer.mute"})

	select {
	case e := <-ch:
		if e.Type != "timer.mute" {
			t.Fatalf("filtered subscriber got %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := len(ch); got != 1 {
		t.Fatalf("buffered %d events, want 1", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: "after"})

	// Channel is closed; a receive yields the zero event immediately.
	if e, ok := <-ch; ok {
		t.Fatalf("received %+v after unsubscribe", e)
	}
}
