package store

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	mu       sync.Mutex
	count    int64
	start    time.Time
	window   time.Duration
	lastSeen time.Time
	dead     bool
}

// MemoryStore keeps windows in process memory. Increments of one key are
// serialized under that key's mutex.
type MemoryStore struct {
	data sync.Map

	mu     sync.RWMutex
	closed bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Window{}, ErrStoreClosed
	}

	for {
		val, _ := s.data.LoadOrStore(key, &counter{start: now, window: window})
		c := val.(*counter)

		c.mu.Lock()
		if c.dead {
			// Swept between load and lock; retry on the replacement.
			c.mu.Unlock()
			continue
		}
		w := c.hit(window, now)
		c.mu.Unlock()
		return w, nil
	}
}

func (c *counter) hit(window time.Duration, now time.Time) Window {
	if c.count == 0 || now.Sub(c.start) > window {
		c.count = 0
		c.start = now
	}
	c.count++
	c.window = window
	c.lastSeen = now

	return Window{Count: c.count, Start: c.start}
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.data.Delete(key)
	return nil
}

// Sweep removes windows that have seen no hit for idleWindows window
// lengths and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time, idleWindows int) int {
	if idleWindows < 1 {
		idleWindows = 1
	}
	removed := 0
	s.data.Range(func(key, value any) bool {
		c := value.(*counter)
		c.mu.Lock()
		if now.Sub(c.lastSeen) > time.Duration(idleWindows)*c.window {
			c.dead = true
			s.data.Delete(key)
			removed++
		}
		c.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of live windows.
func (s *MemoryStore) Len() int {
	n := 0
	s.data.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data.Range(func(key, _ any) bool {
		s.data.Delete(key)
		return true
	})
	return nil
}
