package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Next once a closed subscriber is drained.
	ErrClosed = errors.New("subscriber closed")
	// ErrLagged is returned when a subscriber is disconnected for exceeding
	// its buffer limit.
	ErrLagged = errors.New("subscriber lagged behind")
)

// Overflow selects what happens when a bounded subscriber is full.
type Overflow string

const (
	OverflowDropOldest Overflow = "drop_oldest"
	OverflowDisconnect Overflow = "disconnect"
)

// ParseOverflow validates a configured overflow policy.
func ParseOverflow(s string) (Overflow, error) {
	switch Overflow(s) {
	case "", OverflowDropOldest:
		return OverflowDropOldest, nil
	case OverflowDisconnect:
		return OverflowDisconnect, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithLimit caps the buffer at n events (0 means unbounded) and applies
// policy once the cap is reached.
func WithLimit(n int, policy Overflow) Option {
	return func(s *Subscriber) {
		if n > 0 {
			s.limit = n
			s.overflow = policy
		}
	}
}

// Subscriber is an independently buffered, ordered reader of events.
// Pushing never blocks; by default the buffer grows without bound and the
// memory cost of a slow reader is carried by that reader alone.
type Subscriber struct {
	id      string
	created time.Time

	mu       sync.Mutex
	buf      []Event
	closed   bool
	err      error
	dropped  uint64
	limit    int
	overflow Overflow

	notify chan struct{}
}

// NewSubscriber creates a detached subscriber. The Bus uses it for observers;
// it also serves as the reply buffer of a single request.
func NewSubscriber(opts ...Option) *Subscriber {
	s := &Subscriber{
		id:       uuid.NewString(),
		created:  time.Now(),
		overflow: OverflowDropOldest,
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// Push appends e to the buffer. It returns false if the subscriber is
// closed, including when this push disconnected it.
func (s *Subscriber) Push(e Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	if s.limit > 0 && len(s.buf) >= s.limit {
		if s.overflow == OverflowDisconnect {
			s.closed = true
			s.err = ErrLagged
			s.buf = nil
			s.mu.Unlock()
			s.signal()
			return false
		}
		s.buf[0] = Event{}
		s.buf = s.buf[1:]
		s.dropped++
	}

	s.buf = append(s.buf, e)
	s.mu.Unlock()

	s.signal()
	return true
}

// Next returns the oldest buffered event, blocking until one is available,
// ctx ends or the subscriber is closed. Buffered events are drained before
// the close error is returned.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			e := s.buf[0]
			s.buf[0] = Event{}
			s.buf = s.buf[1:]
			if len(s.buf) == 0 {
				s.buf = nil
			}
			s.mu.Unlock()
			return e, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return Event{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close marks the subscriber closed. Events already buffered remain readable.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = ErrClosed
	}
	s.mu.Unlock()
	s.signal()
}

// discard closes the subscriber and frees its buffer.
func (s *Subscriber) discard() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = ErrClosed
	}
	s.buf = nil
	s.mu.Unlock()
	s.signal()
}

// Depth returns the number of buffered, unread events.
func (s *Subscriber) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Dropped returns how many events were discarded by the drop-oldest policy.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Closed reports whether the subscriber stopped accepting events.
func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
