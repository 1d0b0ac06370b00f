package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

func newTestPool(t *testing.T, algorithm string, backends ...config.BackendConfig) *Pool {
	t.Helper()

	if len(backends) == 0 {
		backends = []config.BackendConfig{
			{ID: "a", Host: "10.0.0.1", Port: 8080, Weight: 1},
			{ID: "b", Host: "10.0.0.2", Port: 8080, Weight: 1},
			{ID: "c", Host: "10.0.0.3", Port: 8080, Weight: 2},
		}
	}
	pool, err := NewPool("app1", algorithm, backends, nil)
	require.NoError(t, err)
	return pool
}

func markUnhealthy(inst *Instance) {
	inst.status.Store(int32(StatusUnhealthy))
}

func TestPool_AcquireRoundRobin(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, AlgorithmRoundRobin)
	ctx := context.Background()

	var got []string
	for range 3 {
		lease, err := pool.Acquire(ctx, "1.2.3.4")
		require.NoError(t, err)
		got = append(got, lease.Instance().ID)
		lease.Release(time.Millisecond, nil)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestPool_AcquireSkipsUnhealthy(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, AlgorithmRoundRobin)
	b, _ := pool.Instance("b")
	markUnhealthy(b)
	pool.Redistribute()

	for range 10 {
		lease, err := pool.Acquire(context.Background(), "")
		require.NoError(t, err)
		assert.NotEqual(t, "b", lease.Instance().ID)
		lease.Release(0, nil)
	}
}

func TestPool_AcquireNoHealthyBackend(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, AlgorithmLeastConnections)
	for _, inst := range pool.Instances() {
		markUnhealthy(inst)
	}

	lease, err := pool.Acquire(context.Background(), "")
	assert.Nil(t, lease)
	require.ErrorIs(t, err, util.ErrNoHealthyBackend)

	var nhb *util.NoHealthyBackendError
	require.ErrorAs(t, err, &nhb)
	assert.Equal(t, "app1", nhb.TenantID)
}

func TestPool_AcquireFallsBackWhenChosenIsFull(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, AlgorithmIPHash,
		config.BackendConfig{ID: "a", Host: "10.0.0.1", Port: 8080, MaxConnections: 1},
		config.BackendConfig{ID: "b", Host: "10.0.0.2", Port: 8080, MaxConnections: 1},
	)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "203.0.113.9")
	require.NoError(t, err)

	second, err := pool.Acquire(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.NotSame(t, first.Instance(), second.Instance())

	_, err = pool.Acquire(ctx, "203.0.113.9")
	require.ErrorIs(t, err, util.ErrNoHealthyBackend, "every instance is at its ceiling")

	first.Release(time.Millisecond, nil)
	third, err := pool.Acquire(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.Same(t, first.Instance(), third.Instance())
}

func TestPool_AcquireCanceledContext(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, AlgorithmRoundRobin)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Acquire(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLease_ReleaseOnce(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, AlgorithmRoundRobin)
	lease, err := pool.Acquire(context.Background(), "")
	require.NoError(t, err)
	inst := lease.Instance()
	assert.Equal(t, int64(1), inst.ActiveConnections())

	lease.Release(40*time.Millisecond, nil)
	lease.Release(40*time.Millisecond, nil)

	assert.Equal(t, int64(0), inst.ActiveConnections())
	assert.Equal(t, 40*time.Millisecond, inst.ResponseTime())
}

func TestPool_ConnectionAccountingConcurrent(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, AlgorithmLeastConnections)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), "")
			if err != nil {
				return
			}
			defer lease.Release(time.Millisecond, nil)
		}()
	}
	wg.Wait()

	for _, inst := range pool.Instances() {
		assert.Equal(t, int64(0), inst.ActiveConnections(), inst.ID)
	}
}

func TestPool_Redistribute(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, AlgorithmWeightedRoundRobin)
	a, _ := pool.Instance("a")
	b, _ := pool.Instance("b")
	c, _ := pool.Instance("c")
	assert.InDelta(t, 0.25, a.EffectiveWeight(), 1e-9)
	assert.InDelta(t, 0.5, c.EffectiveWeight(), 1e-9)

	var notified []string
	pool.OnRedistribute(func(_ string, healthy []*Instance) {
		for _, inst := range healthy {
			notified = append(notified, inst.ID)
		}
	})

	markUnhealthy(c)
	pool.Redistribute()

	assert.InDelta(t, 0.5, a.EffectiveWeight(), 1e-9)
	assert.InDelta(t, 0.5, b.EffectiveWeight(), 1e-9)
	assert.Zero(t, c.EffectiveWeight())
	assert.Equal(t, []string{"a", "b"}, notified)
}

func TestPool_Utilization(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, AlgorithmRoundRobin,
		config.BackendConfig{ID: "a", Host: "10.0.0.1", Port: 8080, MaxConnections: 10},
		config.BackendConfig{ID: "b", Host: "10.0.0.2", Port: 8080, MaxConnections: 10},
		config.BackendConfig{ID: "c", Host: "10.0.0.3", Port: 8080, MaxConnections: 10},
	)
	a, _ := pool.Instance("a")
	b, _ := pool.Instance("b")
	c, _ := pool.Instance("c")
	a.active.Store(9)
	b.active.Store(7)
	c.active.Store(10)
	markUnhealthy(c)

	ratio, healthy, total := pool.Utilization()
	assert.InDelta(t, 0.8, ratio, 1e-9)
	assert.Equal(t, 2, healthy)
	assert.Equal(t, 3, total)
}

func TestPool_Snapshot(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, AlgorithmLeastConnections)
	b, _ := pool.Instance("b")
	markUnhealthy(b)

	s := pool.Snapshot()
	assert.Equal(t, "app1", s.TenantID)
	assert.Equal(t, AlgorithmLeastConnections, s.Algorithm)
	assert.Equal(t, 2, s.Healthy)
	require.Len(t, s.Instances, 3)
	assert.Equal(t, StatusUnhealthy, s.Instances[1].Status)
	assert.Equal(t, "10.0.0.2:8080", s.Instances[1].Address)
}
