// Package events provides the observable state streams the subsystem exposes
// to its host UI: installed extensions, the remote catalog, update statuses,
// and installation progress.
package events

import "sync"

// Stream broadcasts state snapshots to any number of subscribers. Every
// subscriber owns a one-slot buffer; publishing replaces an unconsumed
// pending value instead of blocking, so a slow subscriber always observes the
// latest snapshot rather than a backlog. Values are delivered in publication
// order, never reordered, only skipped.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	last   T
	primed bool
	closed bool
}

// NewStream creates an empty stream with no subscribers.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a receiver. If a value has already been published the
// channel is primed with it, so new subscribers see current state without
// waiting for the next change. The cancel function removes the subscription
// and closes the channel; it is safe to call more than once.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	if s.primed {
		ch <- s.last
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers a new snapshot to every subscriber, replacing any pending
// undelivered value. Publishing on a closed stream is a no-op.
func (s *Stream[T]) Publish(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.last = value
	s.primed = true

	for _, ch := range s.subs {
		select {
		case ch <- value:
		default:
			// Buffer full: drop the pending value, keep the newest.
			select {
			case <-ch:
			default:
			}
			ch <- value
		}
	}
}

// Last returns the most recently published value, if any.
func (s *Stream[T]) Last() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.primed
}

// Close closes all subscriber channels and rejects further publishes.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
