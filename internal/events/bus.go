// Package events provides a simple publish-subscribe event bus for the
// monitor's SSE, WebSocket and MQTT outputs.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/micro-nova/sensorsim/internal/models"
)

const (
	subBufferSize = 64
	historySize   = 32
)

// Bus is a non-blocking publish-subscribe event bus.
// Subscribers that are slow to consume events will have events dropped rather
// than blocking publishers; IRQ edges come from bus transactions and must
// never wait on a network client.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]chan models.Event
	history []models.Event
	dropped int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]chan models.Event),
	}
}

// Subscribe creates a new subscription with the given ID.
// Call Unsubscribe when done to clean up.
func (b *Bus) Subscribe(id string) <-chan models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan models.Event, subBufferSize)
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish stamps e with an ID and time if unset and sends it to all
// subscribers. If a subscriber's channel is full, the event is dropped.
func (b *Bus) Publish(e models.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, e)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Recent returns up to n of the latest events, oldest first.
func (b *Bus) Recent(n int) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.history) {
		n = len(b.history)
	}
	return append([]models.Event(nil), b.history[len(b.history)-n:]...)
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
