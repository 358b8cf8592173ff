package statusbus

import (
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic fan-out.
func TestPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 10)
	if err := bus.Subscribe("console", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(Event{Kind: StatusAppend, Text: "starting"})

	select {
	case ev := <-ch:
		if ev.Kind != StatusAppend || ev.Text != "starting" {
			t.Errorf("got %+v, want StatusAppend/starting", ev)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

// TestNonBlockingPublish verifies Publish drops rather than blocks when
// a subscriber's buffer is full.
func TestNonBlockingPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 1)
	bus.Subscribe("slow", ch)

	done := make(chan bool)
	go func() {
		bus.Publish(Event{Kind: StatusAppend, Text: "one"})
		bus.Publish(Event{Kind: StatusAppend, Text: "two"}) // drops
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked")
	}

	stats, err := bus.Stats("slow")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Errorf("stats = %+v, want 1 sent / 1 dropped", stats)
	}
}

// TestDuplicateSubscriberRejected verifies id uniqueness.
func TestDuplicateSubscriberRejected(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 1)
	if err := bus.Subscribe("a", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bus.Subscribe("a", ch); err != ErrSubscriberExists {
		t.Errorf("duplicate subscribe error = %v, want ErrSubscriberExists", err)
	}
}

// TestClosedBusDropsSilently verifies publish after Close is safe and
// subscribe after Close fails.
func TestClosedBusDropsSilently(t *testing.T) {
	bus := New()
	bus.Close()

	bus.Publish(Event{Kind: StatusAppend, Text: "late"}) // must not panic

	if err := bus.Subscribe("late", make(chan Event, 1)); err != ErrBusClosed {
		t.Errorf("subscribe after close error = %v, want ErrBusClosed", err)
	}
}
