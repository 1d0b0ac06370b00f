package circuitbreaker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/vyrodovalexey/avatraffic/internal/config"
)

func testConfig() *config.CircuitBreakerConfig {
	return &config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		ResetTimeout:     config.Duration(10 * time.Second),
		TrackingWindow:   config.Duration(time.Minute),
	}
}

func TestRegistry_KeyedByTenantAndEndpoint(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig())

	assert.Same(t, r.Get("app1", "/read"), r.Get("app1", "/read"))
	assert.NotSame(t, r.Get("app1", "/read"), r.Get("app2", "/read"))
	assert.NotSame(t, r.Get("app1", "/read"), r.Get("app1", "/write"))
	assert.Equal(t, 3, r.Count())
}

func TestRegistry_AllowIsolatesTenants(t *testing.T) {
	t.Parallel()

	clk := testclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	r := NewRegistry(testConfig(), WithClock(clk))

	for i := 0; i < 2; i++ {
		ticket, err := r.Allow("regtest-a", "/read")
		require.NoError(t, err)
		ticket.Failure()
	}

	_, err := r.Allow("regtest-a", "/read")
	require.Error(t, err)

	ticket, err := r.Allow("regtest-b", "/read")
	require.NoError(t, err)
	ticket.Success()

	m := GetBreakerMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("regtest-a", "/read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("regtest-a", "/read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("regtest-a", "/read", "closed", "open")))
}

func TestRegistry_Disabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Enabled = false
	r := NewRegistry(cfg)

	for i := 0; i < 10; i++ {
		ticket, err := r.Allow("t", "e")
		require.NoError(t, err)
		ticket.Failure()
	}
	assert.False(t, r.Enabled())
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_SnapshotAndReset(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig())
	for i := 0; i < 2; i++ {
		ticket, err := r.Allow("b", "/x")
		require.NoError(t, err)
		ticket.Failure()
	}
	r.Get("a", "/y")

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].TenantID)
	assert.Equal(t, StateOpen, snap[1].State)

	r.ResetAll()
	assert.Equal(t, StateClosed, r.Get("b", "/x").State())
}

func TestNewRegistry_DefaultsThresholds(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&config.CircuitBreakerConfig{Enabled: true})
	assert.Equal(t, 5, r.settings.FailureThreshold)
	assert.Equal(t, 30*time.Second, r.settings.ResetTimeout)
	assert.Equal(t, time.Minute, r.settings.TrackingWindow)
}
