package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by a Tier when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Tier names used in metrics, logs and span attributes.
const (
	TierMemory = "memory"
	TierRedis  = "redis"
)

// Tier is one level of the cache hierarchy.
type Tier interface {
	// Get returns the value and its remaining lifetime. A non-positive ttl
	// means the tier does not know the remaining lifetime.
	Get(ctx context.Context, key string) ([]byte, time.Duration, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Invalidate removes every key matching the glob pattern and returns
	// the number of keys removed.
	Invalidate(ctx context.Context, pattern string) (int, error)

	// Close releases the tier's resources.
	Close() error
}
