package cache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

const tracerName = "avatraffic/cache"

// Source reports which tier served a lookup.
type Source string

// Lookup sources.
const (
	SourceNone        Source = ""
	SourceLocal       Source = "local"
	SourceDistributed Source = "distributed"
)

// MultiTier is one tenant's view of the cache: a private local tier in
// front of an optional shared distributed tier.
type MultiTier struct {
	tenantID    string
	local       *MemoryTier
	distributed Tier
	defaultTTL  time.Duration
	logger      observability.Logger
}

// NewMultiTier combines local with distributed, which may be nil.
func NewMultiTier(
	tenantID string,
	local *MemoryTier,
	distributed Tier,
	defaultTTL time.Duration,
	logger observability.Logger,
) *MultiTier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &MultiTier{
		tenantID:    tenantID,
		local:       local,
		distributed: distributed,
		defaultTTL:  defaultTTL,
		logger:      logger,
	}
}

// TenantID returns the owning tenant.
func (m *MultiTier) TenantID() string {
	return m.tenantID
}

// DefaultTTL returns the lifetime applied when Set is given none.
func (m *MultiTier) DefaultTTL() time.Duration {
	return m.defaultTTL
}

// Local returns the tenant's local tier.
func (m *MultiTier) Local() *MemoryTier {
	return m.local
}

// Get looks key up in the local tier, then the distributed tier. A
// distributed hit is copied into the local tier for its remaining lifetime.
// Distributed failures are logged and reported as a miss.
func (m *MultiTier) Get(ctx context.Context, key string) ([]byte, Source) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tenant.id", m.tenantID),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	if value, _, err := m.local.Get(ctx, key); err == nil {
		m.record(span, resultLocalHit)
		return value, SourceLocal
	}

	if m.distributed == nil {
		m.record(span, resultMiss)
		return nil, SourceNone
	}

	value, ttl, err := m.distributed.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			m.logger.Warn("distributed cache read failed, treating as miss",
				observability.String("tenant", m.tenantID),
				observability.Error(err))
			span.RecordError(err)
		}
		m.record(span, resultMiss)
		return nil, SourceNone
	}

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	_ = m.local.Set(ctx, key, value, ttl)
	m.record(span, resultDistributedHit)
	return value, SourceDistributed
}

// Set stores value in both tiers. The distributed tier is written first;
// when that write fails the local tier is left untouched and the error is
// returned for the caller to log.
func (m *MultiTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tenant.id", m.tenantID),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	if m.distributed != nil {
		if err := m.distributed.Set(ctx, key, value, ttl); err != nil {
			m.logger.Warn("distributed cache write failed, skipping local write",
				observability.String("tenant", m.tenantID),
				observability.Error(err))
			span.RecordError(err)
			return err
		}
	}
	return m.local.Set(ctx, key, value, ttl)
}

// Delete removes key from both tiers.
func (m *MultiTier) Delete(ctx context.Context, key string) error {
	_ = m.local.Delete(ctx, key)
	if m.distributed == nil {
		return nil
	}
	return m.distributed.Delete(ctx, key)
}

// Invalidate removes every key matching pattern from both tiers and
// returns the total removed. A distributed failure is returned after the
// local tier has been cleared.
func (m *MultiTier) Invalidate(ctx context.Context, pattern string) (int, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Invalidate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tenant.id", m.tenantID),
			attribute.String("cache.pattern", pattern),
		),
	)
	defer span.End()

	removed, _ := m.local.Invalidate(ctx, pattern)
	var err error
	if m.distributed != nil {
		var n int
		n, err = m.distributed.Invalidate(ctx, pattern)
		removed += n
		if err != nil {
			span.RecordError(err)
			m.logger.Warn("distributed cache invalidation failed",
				observability.String("tenant", m.tenantID),
				observability.String("pattern", pattern),
				observability.Error(err))
		}
	}

	GetMetrics().invalidatedTotal.WithLabelValues(m.tenantID).Add(float64(removed))
	span.SetAttributes(attribute.Int("cache.removed", removed))
	return removed, err
}

func (m *MultiTier) record(span trace.Span, result string) {
	GetMetrics().lookupsTotal.WithLabelValues(m.tenantID, result).Inc()
	span.SetAttributes(attribute.String("cache.result", result))
}
