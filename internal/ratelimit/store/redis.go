package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

var (
	redisStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: observability.Namespace,
			Subsystem: "ratelimit_store",
			Name:      "redis_operations_total",
			Help:      "Total number of Redis rate-limit store operations",
		},
		[]string{"operation", "status"},
	)

	redisStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: observability.Namespace,
			Subsystem: "ratelimit_store",
			Name:      "redis_operation_duration_seconds",
			Help:      "Duration of Redis rate-limit store operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// incrementScript counts a hit and opens the window on the first one.
// KEYS[1] = key
// ARGV[1] = window in milliseconds
// Returns {count, remaining ttl in milliseconds}.
var incrementScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {current, ttl}
`)

// RedisStore keeps windows in Redis so every replica shares one count.
// A window is a counter key expiring one window after its first hit; the
// window start is derived from the remaining TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool

	mu     sync.Mutex
	closed bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix of every window key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithOwnedClient makes Close also close the client.
func WithOwnedClient() RedisOption {
	return func(s *RedisStore) {
		s.owned = true
	}
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "ratelimit:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	if s.isClosed() {
		return Window{}, ErrStoreClosed
	}

	start := time.Now()
	defer func() {
		redisStoreOperationDuration.WithLabelValues("increment").Observe(time.Since(start).Seconds())
	}()

	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	vals, err := incrementScript.Run(ctx, s.client, []string{s.prefixKey(key)}, windowMs).Int64Slice()
	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("increment", "error").Inc()
		return Window{}, fmt.Errorf("failed to increment window %s: %w", key, err)
	}
	if len(vals) != 2 {
		redisStoreOperationsTotal.WithLabelValues("increment", "error").Inc()
		return Window{}, fmt.Errorf("unexpected script reply for window %s: %v", key, vals)
	}
	redisStoreOperationsTotal.WithLabelValues("increment", "success").Inc()

	elapsed := time.Duration(windowMs-vals[1]) * time.Millisecond
	if elapsed < 0 {
		elapsed = 0
	}
	return Window{Count: vals[0], Start: now.Add(-elapsed)}, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if err := s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
		redisStoreOperationsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete window %s: %w", key, err)
	}
	redisStoreOperationsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.client.Close()
	}
	return nil
}
