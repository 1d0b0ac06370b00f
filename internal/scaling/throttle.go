package scaling

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// Throttled forwards at most one signal per tenant per cooldown.
type Throttled struct {
	next     Sink
	cooldown time.Duration
	clock    clock.PassiveClock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottled wraps next. A non-positive cooldown disables throttling.
func NewThrottled(next Sink, cooldown time.Duration, clk clock.PassiveClock) *Throttled {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Throttled{
		next:     next,
		cooldown: cooldown,
		clock:    clk,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Emit implements Sink. It returns ErrThrottled when the tenant already
// signalled within the cooldown.
func (t *Throttled) Emit(ctx context.Context, s Signal) error {
	if t.cooldown > 0 && !t.limiter(s.TenantID).AllowN(t.clock.Now(), 1) {
		GetMetrics().throttled.WithLabelValues(s.TenantID).Inc()
		return ErrThrottled
	}
	return t.next.Emit(ctx, s)
}

func (t *Throttled) limiter(tenantID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.cooldown), 1)
		t.limiters[tenantID] = l
	}
	return l
}
