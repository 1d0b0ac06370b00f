// Package storage opens the connections shared by the Redis-backed cache
// tier, rate-limit store and job store.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/retry"
)

// DefaultConnectRetries is the number of ping retries before giving up.
const DefaultConnectRetries = 5

// RedisOption configures NewRedisClient.
type RedisOption func(*redisOptions)

type redisOptions struct {
	logger  observability.Logger
	retries int
	backoff time.Duration
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(o *redisOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConnectRetries sets how many times the initial ping is retried.
func WithConnectRetries(n int, initialBackoff time.Duration) RedisOption {
	return func(o *redisOptions) {
		if n >= 0 {
			o.retries = n
		}
		if initialBackoff > 0 {
			o.backoff = initialBackoff
		}
	}
}

// NewRedisClient parses cfg.URL, applies pool settings and pings the server
// with exponential backoff until it answers.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, opts ...RedisOption) (*redis.Client, error) {
	o := &redisOptions{
		logger:  observability.NopLogger(),
		retries: DefaultConnectRetries,
		backoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}

	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		redisOpts.PoolSize = cfg.PoolSize
	}
	dialTimeout := cfg.DialTimeout.OrDefault(5 * time.Second)
	redisOpts.DialTimeout = dialTimeout

	client := redis.NewClient(redisOpts)

	policy := retry.Policy{Base: o.backoff, Max: 10 * time.Second, Jitter: retry.DefaultJitter}
	err = retry.Do(ctx, policy, o.retries+1, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, retry.OnRetry(func(attempt int, err error, wait time.Duration) {
		o.logger.Debug("redis connection failed, retrying",
			observability.String("address", redisOpts.Addr),
			observability.Int("attempt", attempt),
			observability.Duration("backoff", wait),
			observability.Error(err),
		)
	}))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", redisOpts.Addr, err)
	}

	o.logger.Info("redis connected", observability.String("address", redisOpts.Addr))
	return client, nil
}
