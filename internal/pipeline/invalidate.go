package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/vyrodovalexey/avatraffic/internal/cache"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/queue"
)

// JobTypeInvalidate is the queue job type that drops cached copies of a resource.
const JobTypeInvalidate = "cache.invalidate"

// InvalidatePayload is the payload of a cache.invalidate job.
type InvalidatePayload struct {
	TenantID string `json:"tenant"`
	Resource string `json:"resource"`
}

// InvalidationHandler returns the queue handler for cache.invalidate jobs.
// A payload that cannot be decoded will never succeed and is dead-lettered
// at once.
func InvalidationHandler(m *cache.Manager, logger observability.Logger) queue.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) error {
		var p InvalidatePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.Permanent(fmt.Errorf("decode invalidate payload: %w", err))
		}
		n, err := m.Invalidate(ctx, p.TenantID, p.Resource)
		if err != nil {
			return err
		}
		logger.Debug("cache invalidated",
			observability.String("tenant", p.TenantID),
			observability.String("resource", p.Resource),
			observability.Int("entries", n),
		)
		return nil
	})
}

// invalidate drops the cached copies of resource before the write's
// response is sent. When the distributed tier fails the local tier is
// already clear, and the full invalidation is retried as a HIGH-tier job
// if a queue is wired.
func (p *Pipeline) invalidate(ctx context.Context, tenantID, resource string) {
	if p.cache == nil || !p.cache.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)

	_, err := p.cache.Invalidate(ctx, tenantID, resource)
	if err == nil {
		return
	}
	fields := []observability.Field{
		observability.String("tenant", tenantID),
		observability.String("resource", resource),
		observability.Error(err),
	}
	if p.queue == nil || errors.Is(err, cache.ErrUnknownTenant) {
		p.logger.Warn("cache invalidation failed", fields...)
		return
	}

	payload, err := json.Marshal(InvalidatePayload{TenantID: tenantID, Resource: resource})
	if err == nil {
		_, err = p.queue.Enqueue(ctx, queue.TierHigh, JobTypeInvalidate, payload, queue.WithTenant(tenantID))
	}
	if err != nil {
		p.logger.Warn("cache invalidation failed and could not be queued for retry",
			append(fields, observability.String("enqueue_error", err.Error()))...)
		return
	}
	p.logger.Info("cache invalidation queued for retry", fields...)
}
