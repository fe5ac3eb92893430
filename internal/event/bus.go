package event

import (
	"log/slog"
	"sync"
	"time"
)

// Bus fans every published event out to all registered subscribers.
//
// Registry changes and fan-out share one mutex. Pushes only append to a
// buffer, so holding the lock across the fan-out is short and gives every
// subscriber the same global publish order.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscriber
	opts      []Option
	published uint64
}

// NewBus creates a Bus. opts apply to every subscriber it registers.
func NewBus(opts ...Option) *Bus {
	return &Bus{
		subs: make(map[string]*Subscriber),
		opts: opts,
	}
}

// Subscribe registers a new subscriber. It receives every event published
// after this call returns.
func (b *Bus) Subscribe() *Subscriber {
	s := NewSubscriber(b.opts...)

	b.mu.Lock()
	b.subs[s.id] = s
	n := len(b.subs)
	b.mu.Unlock()

	slog.Debug("subscriber attached", "subscriber", s.id, "subscribers", n)
	return s
}

// Unsubscribe removes s and discards its buffer. Unknown or already removed
// subscribers are ignored.
func (b *Bus) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}

	b.mu.Lock()
	_, ok := b.subs[s.id]
	delete(b.subs, s.id)
	n := len(b.subs)
	b.mu.Unlock()

	s.discard()
	if ok {
		slog.Debug("subscriber detached", "subscriber", s.id, "subscribers", n)
	}
}

// Publish appends e to every registered subscriber's buffer. It never blocks
// on a reader and is a no-op without subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published++
	for id, s := range b.subs {
		if !s.Push(e) {
			delete(b.subs, id)
			slog.Warn("subscriber removed from bus", "subscriber", id, "dropped", s.Dropped())
		}
	}
}

// Len returns the number of registered subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// SubscriberStats describes the lag of one subscriber.
type SubscriberStats struct {
	ID       string    `json:"id"`
	Depth    int       `json:"depth"`
	Dropped  uint64    `json:"dropped"`
	Attached time.Time `json:"attached"`
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Published   uint64            `json:"published"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Stats reports the buffer depth of every subscriber.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		Published:   b.published,
		Subscribers: make([]SubscriberStats, 0, len(b.subs)),
	}
	for _, s := range b.subs {
		st.Subscribers = append(st.Subscribers, SubscriberStats{
			ID:       s.id,
			Depth:    s.Depth(),
			Dropped:  s.Dropped(),
			Attached: s.created,
		})
	}
	return st
}
