// Package fanout implements the process-wide broadcast bus that carries
// arrival and deletion events from ingestion and the retention sweeper
// out to the WebSocket hub and the webhook dispatcher.
package fanout

import (
	"sync"

	"github.com/infodancer/pop3d/internal/model"
)

// EventKind distinguishes the two event variants the bus carries.
type EventKind string

const (
	KindArrival  EventKind = "arrival"
	KindDeletion EventKind = "deletion"
)

// Event is either an Arrival (Message populated) or a Deletion
// (MessageID and Address populated).
type Event struct {
	Kind      EventKind
	Message   model.Message
	MessageID string
	Address   string
}

const bufferSize = 100

// Bus is a multi-producer, multi-subscriber broadcast channel. Publish
// never blocks producers: a subscriber that cannot keep up has its
// oldest buffered event dropped rather than stalling the publisher.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	onDrop      func(kind EventKind)
	onPublish   func(kind EventKind)
}

// New creates an empty Bus. onPublish/onDrop may be nil; when set they
// are invoked for every publish/drop for metrics purposes.
func New(onPublish, onDrop func(kind EventKind)) *Bus {
	return &Bus{
		subscribers: make(map[*Subscription]struct{}),
		onPublish:   onPublish,
		onDrop:      onDrop,
	}
}

// Subscription is a single subscriber's bounded inbox.
type Subscription struct {
	bus *Bus
	ch  chan Event
}

// Subscribe registers a new subscriber and returns its Subscription.
// The caller must call Unsubscribe when done.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, bufferSize)}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Events returns the channel the subscriber should range over.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe removes the subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s)
	s.bus.mu.Unlock()
}

// Publish delivers ev to every current subscriber. Per-producer publish
// order is preserved; no ordering is guaranteed across producers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.onPublish != nil {
		b.onPublish(ev.Kind)
	}

	for sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			// Lagging subscriber: drop the oldest buffered event and
			// retry once so the bus stays bounded without blocking.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
			if b.onDrop != nil {
				b.onDrop(ev.Kind)
			}
		}
	}
}

// PublishArrival is a convenience wrapper for the arrival event shape.
func (b *Bus) PublishArrival(msg model.Message) {
	b.Publish(Event{Kind: KindArrival, Message: msg})
}

// PublishDeletion is a convenience wrapper for the deletion event shape.
func (b *Bus) PublishDeletion(messageID, address string) {
	b.Publish(Event{Kind: KindDeletion, MessageID: messageID, Address: address})
}
