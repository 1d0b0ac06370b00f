package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// ErrInvalidTTL is returned when an entry is stored without a positive lifetime.
var ErrInvalidTTL = errors.New("cache ttl must be positive")

// DefaultMaxEntries bounds a memory tier created without an explicit size.
const DefaultMaxEntries = 1000

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryTier is a bounded in-process LRU tier with per-entry expiry.
type MemoryTier struct {
	name       string
	maxEntries int
	clock      clock.PassiveClock
	logger     observability.Logger

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
}

// MemoryOption configures a MemoryTier.
type MemoryOption func(*MemoryTier)

// WithMemoryClock sets the clock used for expiry.
func WithMemoryClock(c clock.PassiveClock) MemoryOption {
	return func(m *MemoryTier) {
		m.clock = c
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(m *MemoryTier) {
		m.logger = logger
	}
}

// WithName labels the tier's metrics, usually with the owning tenant.
func WithName(name string) MemoryOption {
	return func(m *MemoryTier) {
		m.name = name
	}
}

// NewMemoryTier creates a memory tier holding at most maxEntries entries.
func NewMemoryTier(maxEntries int, opts ...MemoryOption) *MemoryTier {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	m := &MemoryTier{
		maxEntries: maxEntries,
		clock:      clock.RealClock{},
		logger:     observability.NopLogger(),
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a live entry and marks it most recently used.
func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, time.Duration, error) {
	defer m.observe("get", m.clock.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, 0, ErrCacheMiss
	}
	entry := elem.Value.(*memoryEntry)
	remaining := entry.expiresAt.Sub(m.clock.Now())
	if remaining <= 0 {
		m.removeElement(elem)
		return nil, 0, ErrCacheMiss
	}
	m.eviction.MoveToFront(elem)
	return entry.value, remaining, nil
}

// Set stores value for ttl, evicting least recently used entries when full.
func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	defer m.observe("set", m.clock.Now())

	entry := &memoryEntry{
		key:       key,
		value:     value,
		expiresAt: m.clock.Now().Add(ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		elem.Value = entry
		m.eviction.MoveToFront(elem)
		return nil
	}

	m.items[key] = m.eviction.PushFront(entry)
	for m.eviction.Len() > m.maxEntries {
		m.evictOldest()
	}
	GetMetrics().sizeGauge.WithLabelValues(m.name).Set(float64(m.eviction.Len()))
	return nil
}

// Delete removes key.
func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
	return nil
}

// Invalidate removes every key matching pattern.
func (m *MemoryTier) Invalidate(_ context.Context, pattern string) (int, error) {
	defer m.observe("invalidate", m.clock.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, elem := range m.items {
		if globMatch(pattern, key) {
			m.removeElement(elem)
			removed++
		}
	}
	return removed, nil
}

// Sweep removes expired entries and returns how many were removed.
func (m *MemoryTier) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*list.Element
	for elem := m.eviction.Back(); elem != nil; elem = elem.Prev() {
		if !now.Before(elem.Value.(*memoryEntry).expiresAt) {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		m.removeElement(elem)
	}

	if len(expired) > 0 {
		m.logger.Debug("cache sweep completed",
			observability.String("tier", m.name),
			observability.Int("removed", len(expired)),
			observability.Int("size", m.eviction.Len()))
	}
	return len(expired)
}

// Len returns the number of stored entries, expired ones included until
// they are swept or read.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eviction.Len()
}

// Close drops every entry.
func (m *MemoryTier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.eviction.Init()
	GetMetrics().sizeGauge.WithLabelValues(m.name).Set(0)
	return nil
}

// evictOldest must be called with the lock held.
func (m *MemoryTier) evictOldest() {
	elem := m.eviction.Back()
	if elem == nil {
		return
	}
	m.removeElement(elem)
	GetMetrics().evictionsTotal.WithLabelValues(m.name).Inc()
}

// removeElement must be called with the lock held.
func (m *MemoryTier) removeElement(elem *list.Element) {
	m.eviction.Remove(elem)
	delete(m.items, elem.Value.(*memoryEntry).key)
	GetMetrics().sizeGauge.WithLabelValues(m.name).Set(float64(m.eviction.Len()))
}

func (m *MemoryTier) observe(op string, start time.Time) {
	GetMetrics().operationDuration.WithLabelValues(TierMemory, op).
		Observe(m.clock.Since(start).Seconds())
}
