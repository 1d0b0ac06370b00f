package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/vyrodovalexey/avatraffic/internal/util"
)

var testSettings = Settings{
	FailureThreshold: 3,
	ResetTimeout:     30 * time.Second,
	TrackingWindow:   time.Minute,
}

func newTestBreaker() (*Breaker, *testclock.FakeClock) {
	clk := testclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	return NewBreaker("app1", "read", testSettings, clk, nil), clk
}

func fail(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ticket, err := b.Allow()
		require.NoError(t, err)
		ticket.Failure()
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker()

	fail(t, b, 2)
	assert.Equal(t, StateClosed, b.State())
	fail(t, b, 1)
	assert.Equal(t, StateOpen, b.State())

	clk.Step(10 * time.Second)
	_, err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrCircuitOpen)

	var coe *util.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, 20*time.Second, coe.RetryAfter)
	assert.Equal(t, "app1:read", coe.Key)
	assert.Equal(t, http.StatusServiceUnavailable, util.HTTPStatus(err))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker()

	fail(t, b, 2)
	ticket, err := b.Allow()
	require.NoError(t, err)
	ticket.Success()
	fail(t, b, 2)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().FailureCount)
}

func TestBreaker_TrackingWindowResetsCount(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker()

	fail(t, b, 2)
	clk.Step(61 * time.Second)
	fail(t, b, 2)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		outcome   func(*Ticket)
		wantState State
	}{
		{"probe success closes", (*Ticket).Success, StateClosed},
		{"probe failure reopens", (*Ticket).Failure, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, clk := newTestBreaker()
			fail(t, b, 3)

			clk.Step(30 * time.Second)
			_, err := b.Allow()
			require.Error(t, err, "reset timeout must be exceeded, not reached")

			clk.Step(time.Millisecond)
			probe, err := b.Allow()
			require.NoError(t, err)
			assert.True(t, probe.Probe())
			assert.Equal(t, StateHalfOpen, b.State())

			_, err = b.Allow()
			require.ErrorIs(t, err, util.ErrCircuitOpen, "only one probe at a time")

			tt.outcome(probe)
			assert.Equal(t, tt.wantState, b.State())

			if tt.wantState == StateOpen {
				var coe *util.CircuitOpenError
				_, err = b.Allow()
				require.ErrorAs(t, err, &coe)
				assert.Equal(t, 30*time.Second, coe.RetryAfter, "lastFailureAt was refreshed")
			} else {
				assert.Equal(t, 0, b.Snapshot().FailureCount)
			}
		})
	}
}

func TestBreaker_CancelledProbeFreesSlot(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker()
	fail(t, b, 3)
	clk.Step(31 * time.Second)

	probe, err := b.Allow()
	require.NoError(t, err)
	probe.Cancel()

	next, err := b.Allow()
	require.NoError(t, err)
	assert.True(t, next.Probe())
	next.Success()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StaleTicketsIgnored(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker()

	stale, err := b.Allow()
	require.NoError(t, err)

	fail(t, b, 3)
	clk.Step(31 * time.Second)
	probe, err := b.Allow()
	require.NoError(t, err)

	stale.Success()
	assert.Equal(t, StateHalfOpen, b.State(), "closed-era ticket cannot close a half-open breaker")

	probe.Failure()
	probe.Success()
	assert.Equal(t, StateOpen, b.State(), "only the first outcome counts")
}

func TestTicket_Done(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantState State
		wantCount int
	}{
		{"nil is success", nil, StateClosed, 0},
		{"client caused is success", util.NewDownstreamError("i", http.StatusNotFound, nil), StateClosed, 0},
		{"server error is failure", util.NewDownstreamError("i", http.StatusInternalServerError, nil), StateOpen, 3},
		{"timeout is failure", util.NewDownstreamTimeoutError("i", time.Second, context.DeadlineExceeded), StateOpen, 3},
		{"unclassified is failure", errors.New("connection reset"), StateOpen, 3},
		{"no backend is cancel", util.NewNoHealthyBackendError("app1"), StateClosed, 2},
		{"caller cancel", fmt.Errorf("read: %w", context.Canceled), StateClosed, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, _ := newTestBreaker()
			fail(t, b, 2)
			ticket, err := b.Allow()
			require.NoError(t, err)
			ticket.Done(tt.err)

			snap := b.Snapshot()
			assert.Equal(t, tt.wantState, snap.State)
			assert.Equal(t, tt.wantCount, snap.FailureCount)
		})
	}
}

func TestBreaker_ConcurrentHalfOpenAdmitsOne(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker()
	fail(t, b, 3)
	clk.Step(31 * time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Allow(); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker()
	fail(t, b, 3)
	b.Reset()

	assert.Equal(t, StateClosed, b.State())
	_, err := b.Allow()
	require.NoError(t, err)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())

	text, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "half-open", string(text))
}
