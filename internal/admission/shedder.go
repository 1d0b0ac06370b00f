package admission

import "sync/atomic"

// Shedder caps the number of requests in flight. A non-positive ceiling
// disables shedding.
type Shedder struct {
	max     int64
	current atomic.Int64
}

// NewShedder creates a shedder with the given ceiling.
func NewShedder(maxInFlight int) *Shedder {
	return &Shedder{max: int64(maxInFlight)}
}

// TryAcquire takes a slot without waiting.
func (s *Shedder) TryAcquire() bool {
	if s.max <= 0 {
		s.current.Add(1)
		return true
	}
	for {
		current := s.current.Load()
		if current >= s.max {
			return false
		}
		if s.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns a slot taken by TryAcquire.
func (s *Shedder) Release() {
	s.current.Add(-1)
}

// InFlight returns the number of held slots.
func (s *Shedder) InFlight() int {
	return int(s.current.Load())
}

// Max returns the ceiling, 0 meaning unlimited.
func (s *Shedder) Max() int {
	if s.max < 0 {
		return 0
	}
	return int(s.max)
}
