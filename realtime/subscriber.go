package realtime

import (
	"sync"
	"sync/atomic"
)

// subscriber serialises deliveries to one callback and drops values that
// are older than the last one delivered.
type subscriber[T any] struct {
	fn        func(T)
	mu        sync.Mutex
	seen      uint64
	delivered bool
	closed    atomic.Bool
}

func newSubscriber[T any](fn func(T)) *subscriber[T] {
	return &subscriber[T]{fn: fn}
}

func (s *subscriber[T]) deliver(version uint64, v T) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	if s.delivered && version <= s.seen {
		return
	}
	s.delivered = true
	s.seen = version
	s.fn(v)
}

// close stops further deliveries from starting. It does not wait for a
// delivery already in progress, so it is safe to call from the callback.
func (s *subscriber[T]) close() {
	s.closed.Store(true)
}
