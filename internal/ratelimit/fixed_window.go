package ratelimit

import (
	"context"
	"math"
	"time"

	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit/store"
)

// IdleWindows is how many window lengths a key may stay silent before GC
// drops its window.
const IdleWindows = 2

// FixedWindowLimiter counts requests per Key in windows that open on the
// first request of the key.
type FixedWindowLimiter struct {
	store  store.Store
	table  *Table
	clock  clock.PassiveClock
	logger observability.Logger
}

// Option configures a FixedWindowLimiter.
type Option func(*FixedWindowLimiter)

// WithClock sets the clock.
func WithClock(c clock.PassiveClock) Option {
	return func(l *FixedWindowLimiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *FixedWindowLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewFixedWindowLimiter creates a limiter over s resolving limits from table.
// A nil store selects an in-memory store.
func NewFixedWindowLimiter(s store.Store, table *Table, opts ...Option) *FixedWindowLimiter {
	if s == nil {
		s = store.NewMemoryStore()
	}
	l := &FixedWindowLimiter{
		store:  s,
		table:  table,
		clock:  clock.RealClock{},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Table returns the limit table.
func (l *FixedWindowLimiter) Table() *Table {
	return l.table
}

// Check resolves the limit of path for the tenant and records the request.
// It returns the key the request was counted under.
func (l *FixedWindowLimiter) Check(ctx context.Context, tenantID, clientKey, path string) (*Result, Key, error) {
	limit := l.table.Resolve(tenantID, path)
	key := Key{TenantID: tenantID, ClientKey: clientKey, Endpoint: EndpointClass(limit, path)}
	res, err := l.Allow(ctx, key, limit)
	return res, key, err
}

// Allow records one request under key and reports whether it fits limit.
// Store failures admit the request and are returned alongside the result.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key Key, limit Limit) (*Result, error) {
	if limit.Unlimited() {
		return &Result{Allowed: true, Limit: limit.Requests, Remaining: math.MaxInt32}, nil
	}

	now := l.clock.Now()
	w, err := l.store.Increment(ctx, key.String(), limit.Window, now)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, admitting request",
			observability.String("key", key.String()),
			observability.Error(err),
		)
		return &Result{Allowed: true, Limit: limit.Requests, Remaining: limit.Requests}, err
	}

	resetAfter := w.Start.Add(limit.Window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	remaining := limit.Requests - int(w.Count)
	if remaining < 0 {
		remaining = 0
	}

	res := &Result{
		Allowed:    w.Count <= int64(limit.Requests),
		Limit:      limit.Requests,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}
	if !res.Allowed {
		res.RetryAfter = ceilSeconds(resetAfter)
		l.logger.Debug("rate limit exceeded",
			observability.String("tenant", key.TenantID),
			observability.String("endpoint", key.Endpoint),
			observability.String("client", key.ClientKey),
			observability.Duration("retry_after", res.RetryAfter),
		)
	}
	return res, nil
}

// Reset drops the window of key.
func (l *FixedWindowLimiter) Reset(ctx context.Context, key Key) error {
	return l.store.Delete(ctx, key.String())
}

// GC drops in-memory windows idle for IdleWindows window lengths and
// returns how many were removed. Redis windows expire on their own.
func (l *FixedWindowLimiter) GC(now time.Time) int {
	ms, ok := l.store.(*store.MemoryStore)
	if !ok {
		return 0
	}
	return ms.Sweep(now, IdleWindows)
}

// GCTask returns a scheduler task running GC at the limiter's clock.
func (l *FixedWindowLimiter) GCTask() func(context.Context) {
	return func(context.Context) {
		if n := l.GC(l.clock.Now()); n > 0 {
			l.logger.Debug("rate limit windows collected", observability.Int("count", n))
		}
	}
}

// Close closes the underlying store.
func (l *FixedWindowLimiter) Close() error {
	return l.store.Close()
}

// ceilSeconds rounds d up to whole seconds, never below one second.
func ceilSeconds(d time.Duration) time.Duration {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
