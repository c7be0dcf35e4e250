// Package eventbus is an in-process pub/sub bus carrying session and message
// change notifications to UI-facing subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Topics published by the agent supervisor.
const (
	TopicSessionUpdated = "session.updated"
	TopicMessageCreated = "message.created"
	TopicMessageUpdated = "message.updated"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// Event is one notification. Payload is a *store.Session or *store.Message
// for the supervisor's topics.
type Event struct {
	Topic   string
	Payload any
}

// Bus broadcasts every event to every subscriber. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan Event
	nextID      uint64
	buffer      int
	dropped     atomic.Uint64
	closed      bool
}

// New creates a bus with DefaultBuffer-sized subscriber channels.
func New() *Bus {
	return NewWithBuffer(DefaultBuffer)
}

// NewWithBuffer creates a bus whose subscriber channels hold n events.
func NewWithBuffer(n int) *Bus {
	if n < 0 {
		n = 0
	}
	return &Bus{
		subscribers: make(map[uint64]chan Event),
		buffer:      n,
	}
}

// Subscribe returns a channel of events and a function that must be called
// to release it.
func (b *Bus) Subscribe() (events <-chan Event, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	ch := make(chan Event, b.buffer)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subscribers[id]; ok {
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// Publish sends payload under topic to all subscribers.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	event := Event{Topic: topic, Payload: payload}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
