package admission

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit/store"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

type fixture struct {
	clock      *testclock.FakeClock
	breakers   *circuitbreaker.Registry
	controller *Controller
}

func newFixture(t *testing.T, maxInFlight int) *fixture {
	t.Helper()

	clk := testclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	table := ratelimit.NewTable(&config.RateLimitConfig{
		Default: config.LimitConfig{Requests: 100, Window: config.Duration(time.Minute)},
		Endpoints: []config.EndpointLimit{
			{Name: "read", PathPrefix: "/read", Requests: 5, Window: config.Duration(time.Minute)},
		},
	}, nil)
	limiter := ratelimit.NewFixedWindowLimiter(store.NewMemoryStore(), table, ratelimit.WithClock(clk))
	breakers := circuitbreaker.NewRegistry(&config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		ResetTimeout:     config.Duration(30 * time.Second),
	}, circuitbreaker.WithClock(clk))

	return &fixture{
		clock:      clk,
		breakers:   breakers,
		controller: NewController(NewShedder(maxInFlight), limiter, breakers),
	}
}

func TestController_RateLimitRejectionsNeverTouchBreaker(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()
	req := Request{TenantID: "app1", ClientKey: "10.0.0.1", Path: "/read/items"}

	for i := 0; i < 5; i++ {
		d, err := f.controller.Admit(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "read", d.Endpoint)
		d.Ticket.Success()
		d.Release()
	}

	for i := 0; i < 10; i++ {
		_, err := f.controller.Admit(ctx, req)
		require.ErrorIs(t, err, util.ErrAdmissionRejected)
		assert.Equal(t, http.StatusTooManyRequests, util.HTTPStatus(err))
		hint, ok := util.RetryAfter(err)
		require.True(t, ok)
		assert.Equal(t, 60*time.Second, hint)
	}

	assert.Equal(t, circuitbreaker.StateClosed, f.breakers.Get("app1", "read").State())
	assert.Equal(t, 0, f.breakers.Get("app1", "read").Snapshot().FailureCount)
	assert.Equal(t, 0, f.controller.Shedder().InFlight())

	stats := f.controller.Counters().Get("app1", "read")
	assert.Equal(t, int64(15), stats.Total)
	assert.Equal(t, int64(10), stats.RateLimited)

	f.clock.Step(61 * time.Second)
	d, err := f.controller.Admit(ctx, req)
	require.NoError(t, err)
	d.Release()
}

func TestController_BreakerRejection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()
	req := Request{TenantID: "app1", ClientKey: "c", Path: "/orders/1"}

	for i := 0; i < 2; i++ {
		d, err := f.controller.Admit(ctx, req)
		require.NoError(t, err)
		d.Ticket.Failure()
		d.Release()
	}

	_, err := f.controller.Admit(ctx, req)
	require.ErrorIs(t, err, util.ErrCircuitOpen)
	assert.Equal(t, http.StatusServiceUnavailable, util.HTTPStatus(err))

	stats := f.controller.Counters().Get("app1", "/orders")
	assert.Equal(t, int64(1), stats.BreakerRejected)
	assert.Equal(t, 0, f.controller.Shedder().InFlight())

	other, err := f.controller.Admit(ctx, Request{TenantID: "app2", ClientKey: "c", Path: "/orders/1"})
	require.NoError(t, err, "breakers are per tenant")
	other.Release()
}

func TestController_GlobalShedding(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	ctx := context.Background()

	held, err := f.controller.Admit(ctx, Request{TenantID: "app1", ClientKey: "a", Path: "/x"})
	require.NoError(t, err)

	_, err = f.controller.Admit(ctx, Request{TenantID: "app2", ClientKey: "b", Path: "/x"})
	require.ErrorIs(t, err, util.ErrServerBusy)
	assert.Equal(t, http.StatusServiceUnavailable, util.HTTPStatus(err))
	assert.Equal(t, int64(1), f.controller.Counters().Get("app2", "/x").Shed)

	held.Release()
	held.Release()
	assert.Equal(t, 0, f.controller.Shedder().InFlight())

	d, err := f.controller.Admit(ctx, Request{TenantID: "app2", ClientKey: "b", Path: "/x"})
	require.NoError(t, err)
	d.Release()
}

func TestController_TenantCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()
	req := Request{TenantID: "app1", ClientKey: "a", Path: "/x", MaxConcurrentUsers: 1}

	held, err := f.controller.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, f.controller.TenantInFlight("app1"))

	_, err = f.controller.Admit(ctx, req)
	require.ErrorIs(t, err, util.ErrServerBusy)
	assert.Equal(t, 1, f.controller.Shedder().InFlight(), "global slot returned on tenant rejection")

	held.Release()
	assert.Equal(t, 0, f.controller.TenantInFlight("app1"))
}

func TestController_NoLimiterNoBreaker(t *testing.T) {
	t.Parallel()

	c := NewController(nil, nil, nil)
	d, err := c.Admit(context.Background(), Request{TenantID: "t", Path: "/a/b"})
	require.NoError(t, err)
	assert.Equal(t, "/a", d.Endpoint)
	assert.Nil(t, d.Ticket)
	d.Ticket.Success()
	d.Release()
}
