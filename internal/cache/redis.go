package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// Redis tier defaults.
const (
	DefaultRedisKeyPrefix = "cache:"
	DefaultOpTimeout      = 250 * time.Millisecond
	invalidateScanCount   = 200
)

// RedisTier is the distributed tier shared by all tenants. Every call runs
// through a breaker so an unreachable Redis fails fast.
type RedisTier struct {
	client    redis.UniversalClient
	prefix    string
	opTimeout time.Duration
	cb        *gobreaker.CircuitBreaker
	logger    observability.Logger
	owned     bool
}

// RedisOption configures a RedisTier.
type RedisOption func(*RedisTier)

// WithRedisKeyPrefix sets the prefix prepended to every key.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(r *RedisTier) {
		r.prefix = prefix
	}
}

// WithOpTimeout bounds each Redis round trip.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(r *RedisTier) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(r *RedisTier) {
		r.logger = logger
	}
}

// WithOwnedClient makes Close also close the Redis client.
func WithOwnedClient() RedisOption {
	return func(r *RedisTier) {
		r.owned = true
	}
}

// NewRedisTier wraps client as a cache tier guarded by a breaker built from guard.
func NewRedisTier(client redis.UniversalClient, guard config.BreakerGuardConfig, opts ...RedisOption) *RedisTier {
	r := &RedisTier{
		client:    client,
		prefix:    DefaultRedisKeyPrefix,
		opTimeout: DefaultOpTimeout,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	threshold := uint32(5)
	if guard.FailureThreshold > 0 {
		threshold = uint32(guard.FailureThreshold) //nolint:gosec // validated non-negative
	}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-redis",
		MaxRequests: 1,
		Timeout:     guard.OpenTimeout.OrDefault(10 * time.Second),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("distributed cache breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
	})
	return r
}

// Get reads the value and its remaining lifetime in one round trip.
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	var (
		value []byte
		ttl   time.Duration
	)
	err := r.do(ctx, "get", func(ctx context.Context) error {
		pipe := r.client.Pipeline()
		getCmd := pipe.Get(ctx, r.prefix+key)
		ttlCmd := pipe.PTTL(ctx, r.prefix+key)
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		b, err := getCmd.Bytes()
		if err != nil {
			return err
		}
		value = b
		ttl = ttlCmd.Val()
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrCacheMiss
	}
	if err != nil {
		return nil, 0, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return value, ttl, nil
}

// Set stores value with a millisecond expiry.
func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return r.do(ctx, "set", func(ctx context.Context) error {
		return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
	})
}

// Delete removes key.
func (r *RedisTier) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", func(ctx context.Context) error {
		return r.client.Del(ctx, r.prefix+key).Err()
	})
}

// Invalidate scans for keys matching pattern and deletes them in batches.
// The scan runs under the caller's context rather than the per-call timeout.
func (r *RedisTier) Invalidate(ctx context.Context, pattern string) (int, error) {
	removed := 0
	_, err := r.cb.Execute(func() (interface{}, error) {
		start := time.Now()
		defer func() {
			GetMetrics().operationDuration.WithLabelValues(TierRedis, "invalidate").
				Observe(time.Since(start).Seconds())
		}()

		var cursor uint64
		for {
			keys, next, err := r.client.Scan(ctx, cursor, r.prefix+pattern, invalidateScanCount).Result()
			if err != nil {
				return nil, err
			}
			if len(keys) > 0 {
				n, err := r.client.Del(ctx, keys...).Result()
				if err != nil {
					return nil, err
				}
				removed += int(n)
			}
			cursor = next
			if cursor == 0 {
				return nil, nil
			}
		}
	})
	if err != nil {
		GetMetrics().errorsTotal.WithLabelValues(TierRedis, "invalidate").Inc()
		return removed, util.NewCacheUnavailableError("invalidate", err)
	}
	return removed, nil
}

// State returns the guard breaker's state.
func (r *RedisTier) State() gobreaker.State {
	return r.cb.State()
}

// Close closes the client when the tier owns it.
func (r *RedisTier) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// do runs fn under the breaker with the per-call timeout. redis.Nil passes
// through untouched; every other failure becomes a CacheUnavailableError.
func (r *RedisTier) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(TierRedis, op).
			Observe(time.Since(start).Seconds())
	}()

	_, err := r.cb.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
		defer cancel()
		return nil, fn(opCtx)
	})
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}

	GetMetrics().errorsTotal.WithLabelValues(TierRedis, op).Inc()
	return util.NewCacheUnavailableError(op, err)
}
