package admission

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// ShedRetryAfter is the retry hint returned with load-shedding rejections.
const ShedRetryAfter = time.Second

// Request describes the request asking for admission.
type Request struct {
	TenantID  string
	ClientKey string
	Path      string

	// MaxConcurrentUsers is the tenant's in-flight ceiling, 0 for none.
	MaxConcurrentUsers int
}

// Decision is an admitted request. Release must be called once the request
// finishes; the breaker ticket must receive exactly one outcome.
type Decision struct {
	Endpoint  string
	RateLimit *ratelimit.Result
	Ticket    *circuitbreaker.Ticket

	releaseOnce sync.Once
	release     func()
}

// Release frees the shedding slots held by the request.
func (d *Decision) Release() {
	if d == nil {
		return
	}
	d.releaseOnce.Do(func() {
		if d.release != nil {
			d.release()
		}
	})
}

// Controller composes the admission checks.
type Controller struct {
	shedder  *Shedder
	limiter  *ratelimit.FixedWindowLimiter
	breakers *circuitbreaker.Registry
	counters *Counters
	logger   observability.Logger

	tenantSlots sync.Map
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCounters shares a counter set.
func WithCounters(counters *Counters) ControllerOption {
	return func(c *Controller) {
		if counters != nil {
			c.counters = counters
		}
	}
}

// NewController creates a Controller. A nil limiter or breaker registry
// skips that check.
func NewController(
	shedder *Shedder,
	limiter *ratelimit.FixedWindowLimiter,
	breakers *circuitbreaker.Registry,
	opts ...ControllerOption,
) *Controller {
	if shedder == nil {
		shedder = NewShedder(0)
	}
	c := &Controller{
		shedder:  shedder,
		limiter:  limiter,
		breakers: breakers,
		counters: NewCounters(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Counters returns the controller's counters.
func (c *Controller) Counters() *Counters {
	return c.counters
}

// Shedder returns the global shedder.
func (c *Controller) Shedder() *Shedder {
	return c.shedder
}

// Endpoint returns the endpoint class a path of a tenant is accounted under.
func (c *Controller) Endpoint(tenantID, path string) string {
	if c.limiter == nil {
		return ratelimit.EndpointClass(ratelimit.Limit{Name: ratelimit.DefaultEndpoint}, path)
	}
	return ratelimit.EndpointClass(c.limiter.Table().Resolve(tenantID, path), path)
}

// Admit runs the admission checks in order and returns the decision or the
// rejection error.
func (c *Controller) Admit(ctx context.Context, req Request) (*Decision, error) {
	endpoint := c.Endpoint(req.TenantID, req.Path)
	c.counters.Record(req.TenantID, endpoint, OutcomeTotal)

	if !c.shedder.TryAcquire() {
		c.counters.Record(req.TenantID, endpoint, OutcomeShed)
		return nil, util.NewServerBusyError(ShedRetryAfter)
	}
	releases := []func(){c.shedder.Release}

	if tenantSlots := c.tenantShedder(req.TenantID, req.MaxConcurrentUsers); tenantSlots != nil {
		if !tenantSlots.TryAcquire() {
			c.shedder.Release()
			c.counters.Record(req.TenantID, endpoint, OutcomeShed)
			c.logger.Debug("tenant concurrency ceiling reached",
				observability.String("tenant", req.TenantID),
				observability.Int("max_concurrent_users", req.MaxConcurrentUsers),
			)
			return nil, util.NewServerBusyError(ShedRetryAfter)
		}
		releases = append(releases, tenantSlots.Release)
	}

	d := &Decision{
		Endpoint: endpoint,
		release: func() {
			for _, r := range releases {
				r()
			}
		},
	}

	if c.limiter != nil {
		res, key, err := c.limiter.Check(ctx, req.TenantID, req.ClientKey, req.Path)
		if err != nil {
			c.logger.Warn("rate limit check failed", observability.Error(err))
		}
		d.RateLimit = res
		if !res.Allowed {
			d.Release()
			c.counters.Record(req.TenantID, endpoint, OutcomeRateLimited)
			return nil, util.NewRateLimitedError(key.String(), res.Limit, res.RetryAfter)
		}
	}

	if c.breakers != nil {
		ticket, err := c.breakers.Allow(req.TenantID, endpoint)
		if err != nil {
			d.Release()
			c.counters.Record(req.TenantID, endpoint, OutcomeBreakerRejected)
			return nil, err
		}
		d.Ticket = ticket
	}

	return d, nil
}

// TenantInFlight returns the number of admitted in-flight requests of a tenant.
func (c *Controller) TenantInFlight(tenantID string) int {
	if v, ok := c.tenantSlots.Load(tenantID); ok {
		return v.(*Shedder).InFlight()
	}
	return 0
}

func (c *Controller) tenantShedder(tenantID string, ceiling int) *Shedder {
	if ceiling <= 0 {
		return nil
	}
	if v, ok := c.tenantSlots.Load(tenantID); ok {
		return v.(*Shedder)
	}
	v, _ := c.tenantSlots.LoadOrStore(tenantID, NewShedder(ceiling))
	return v.(*Shedder)
}
