package fanout

import (
	"testing"
	"time"

	"github.com/infodancer/pop3d/internal/model"
)

func TestPublishSubscribeArrival(t *testing.T) {
	bus := New(nil, nil)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	msg := model.Message{ID: "m1", To: "alice@ex.test"}
	bus.PublishArrival(msg)

	select {
	case ev := <-sub.Events():
		if ev.Kind != KindArrival || ev.Message.ID != "m1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDeletion(t *testing.T) {
	bus := New(nil, nil)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.PublishDeletion("m1", "alice@ex.test")

	ev := <-sub.Events()
	if ev.Kind != KindDeletion || ev.MessageID != "m1" || ev.Address != "alice@ex.test" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	var dropped int
	bus := New(nil, func(kind EventKind) { dropped++ })
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	// Fill the subscriber's buffer, then publish one more: the oldest
	// should be evicted rather than blocking the publisher.
	for i := 0; i < bufferSize+1; i++ {
		bus.PublishArrival(model.Message{ID: string(rune('a' + i%26))})
	}

	if dropped == 0 {
		t.Fatal("expected at least one dropped event for a lagging subscriber")
	}
	if len(sub.Events()) != bufferSize {
		t.Fatalf("expected subscriber buffer full at %d, got %d", bufferSize, len(sub.Events()))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil, nil)
	sub := bus.Subscribe()
	sub.Unsubscribe()

	bus.PublishArrival(model.Message{ID: "m1"})

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no delivery after unsubscribe, got %+v", ev)
	default:
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	bus := New(nil, nil)
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.PublishArrival(model.Message{ID: "m1"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			if ev.Message.ID != "m1" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}
