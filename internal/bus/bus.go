package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
// Safe to call on a nil bus.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Emit publishes an event of the given kind stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers reports how many subscriptions are registered.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
