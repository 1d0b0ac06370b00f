package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/scaling"
)

type collectingSink struct {
	mu      sync.Mutex
	signals []scaling.Signal
}

func (s *collectingSink) Emit(_ context.Context, sig scaling.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return nil
}

func (s *collectingSink) all() []scaling.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scaling.Signal(nil), s.signals...)
}

func newTestOverloadDetector(t *testing.T, r *Registry) (*OverloadDetector, *collectingSink, *testclock.FakeClock) {
	t.Helper()

	clk := testclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	sink := &collectingSink{}
	d := NewOverloadDetector(r, config.ScalingConfig{
		Enabled:              true,
		UtilizationThreshold: 0.8,
		SustainedChecks:      3,
		CheckInterval:        config.Duration(15 * time.Second),
		Cooldown:             config.Duration(5 * time.Minute),
	}, sink, WithOverloadClock(clk))
	return d, sink, clk
}

func TestOverloadDetector_SustainedOverload(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	d, sink, clk := newTestOverloadDetector(t, r)
	pool, _ := r.Pool("app1")
	for _, inst := range pool.Instances() {
		inst.active.Store(9)
	}
	ctx := context.Background()

	d.Check(ctx)
	d.Check(ctx)
	assert.Empty(t, sink.all())
	assert.Equal(t, 2, d.Streak("app1"))

	d.Check(ctx)
	signals := sink.all()
	require.Len(t, signals, 1)
	assert.Equal(t, "app1", signals[0].TenantID)
	assert.Equal(t, scaling.ReasonSustainedOverload, signals[0].Reason)
	assert.InDelta(t, 0.9, signals[0].Utilization, 1e-9)
	assert.Equal(t, 3, signals[0].HealthyInstances)
	assert.True(t, clk.Now().Equal(signals[0].At))

	// Cooldown suppresses repeats.
	d.Check(ctx)
	assert.Len(t, sink.all(), 1)

	clk.Step(5 * time.Minute)
	d.Check(ctx)
	assert.Len(t, sink.all(), 2)
}

func TestOverloadDetector_StreakResets(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	d, sink, _ := newTestOverloadDetector(t, r)
	pool, _ := r.Pool("app1")
	a, _ := pool.Instance("a")
	for _, inst := range pool.Instances() {
		inst.active.Store(9)
	}
	ctx := context.Background()

	d.Check(ctx)
	d.Check(ctx)
	a.active.Store(0)
	d.Check(ctx)
	assert.Zero(t, d.Streak("app1"))

	a.active.Store(9)
	d.Check(ctx)
	d.Check(ctx)
	assert.Empty(t, sink.all())
}

func TestOverloadDetector_NoHealthyInstance(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	d, sink, _ := newTestOverloadDetector(t, r)
	pool, _ := r.Pool("app2")
	x, _ := pool.Instance("x")
	markUnhealthy(x)

	for range 3 {
		d.Check(context.Background())
	}

	signals := sink.all()
	require.Len(t, signals, 1)
	assert.Equal(t, "app2", signals[0].TenantID)
	assert.Equal(t, scaling.ReasonNoHealthyInstance, signals[0].Reason)
	assert.Zero(t, signals[0].HealthyInstances)
	assert.Equal(t, 1, signals[0].TotalInstances)
}
