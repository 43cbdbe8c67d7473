package async

import "sync"

// Shuttle is the fan-in barrier for one request: N per-partition (or
// per-node) responses arrive, then the completion callback fires exactly
// once on the arriving goroutine. Late arrivals past N are dropped rather
// than double-firing; a zero-expected shuttle fires on construction via
// Flush.
type Shuttle[T any] struct {
	mu        sync.Mutex
	remaining int
	responses []T
	complete  func([]T)
	fired     bool
}

func NewShuttle[T any](expected int, complete func([]T)) *Shuttle[T] {
	return &Shuttle[T]{
		remaining: expected,
		responses: make([]T, 0, expected),
		complete:  complete,
	}
}

// Arrive deposits one response; the caller that deposits the last one runs
// the completion callback.
func (s *Shuttle[T]) Arrive(resp T) {
	s.mu.Lock()
	if s.fired || s.remaining <= 0 {
		s.mu.Unlock()
		return
	}
	s.responses = append(s.responses, resp)
	s.remaining--
	done := s.remaining == 0
	if done {
		s.fired = true
	}
	responses := s.responses
	s.mu.Unlock()

	if done {
		s.complete(responses)
	}
}

// Flush fires the callback immediately when nothing is expected.
func (s *Shuttle[T]) Flush() {
	s.mu.Lock()
	if s.fired || s.remaining > 0 {
		s.mu.Unlock()
		return
	}
	s.fired = true
	responses := s.responses
	s.mu.Unlock()
	s.complete(responses)
}

// Pending reports how many arrivals are still owed.
func (s *Shuttle[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}
