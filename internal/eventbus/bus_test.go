package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	bus.Publish(Event{Type: "a", Time: time.Now(), Data: 1})
	select {
	case ev := <-ch:
		if ev.Type != "a" {
			t.Fatalf("unexpected type %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("event never delivered")
	}
}

func TestTypeFilter(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(4, "wanted")
	defer unsub()

	bus.Publish(Event{Type: "ignored"})
	bus.Publish(Event{Type: "wanted"})

	select {
	case ev := <-ch:
		if ev.Type != "wanted" {
			t.Fatalf("filter leaked %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("wanted event never delivered")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %q", ev.Type)
	default:
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := New()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: "burst"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(4)
	unsub()
	bus.Publish(Event{Type: "late"})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("delivery after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
	}
}
