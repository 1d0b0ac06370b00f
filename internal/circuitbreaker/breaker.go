package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates a single probe request is testing the backend.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings holds the thresholds of one breaker.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	TrackingWindow   time.Duration
}

func (s Settings) normalized() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.TrackingWindow <= 0 {
		s.TrackingWindow = time.Minute
	}
	return s
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(b *Breaker, from, to State)

// Breaker is the state machine of one (tenant, endpoint) pair.
type Breaker struct {
	tenantID string
	endpoint string
	settings Settings
	clock    clock.PassiveClock
	logger   observability.Logger
	onChange StateChangeFunc

	mu              sync.Mutex
	state           State
	generation      uint64
	failureCount    int
	lastFailureAt   time.Time
	lastStateChange time.Time
	probeInFlight   bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(tenantID, endpoint string, settings Settings, c clock.PassiveClock, logger observability.Logger) *Breaker {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Breaker{
		tenantID:        tenantID,
		endpoint:        endpoint,
		settings:        settings.normalized(),
		clock:           c,
		logger:          logger,
		lastStateChange: c.Now(),
	}
}

// Key returns the "tenant:endpoint" key of the breaker.
func (b *Breaker) Key() string {
	return b.tenantID + ":" + b.endpoint
}

// Allow asks to send one request downstream. On success the returned ticket
// must receive exactly one outcome.
func (b *Breaker) Allow() (*Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	switch b.state {
	case StateClosed:
		return &Ticket{breaker: b, generation: b.generation}, nil

	case StateOpen:
		elapsed := now.Sub(b.lastFailureAt)
		if elapsed <= b.settings.ResetTimeout {
			return nil, util.NewCircuitOpenError(b.Key(), StateOpen.String(), b.settings.ResetTimeout-elapsed)
		}
		b.transitionLocked(StateHalfOpen, now)
		b.probeInFlight = true
		return &Ticket{breaker: b, generation: b.generation, probe: true}, nil

	default:
		if b.probeInFlight {
			return nil, util.NewCircuitOpenError(b.Key(), StateHalfOpen.String(), time.Second)
		}
		b.probeInFlight = true
		return &Ticket{breaker: b, generation: b.generation, probe: true}, nil
	}
}

func (b *Breaker) onSuccess(t *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		if t.probe {
			b.failureCount = 0
			b.probeInFlight = false
			b.transitionLocked(StateClosed, b.clock.Now())
		}
	}
}

func (b *Breaker) onFailure(t *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}
	now := b.clock.Now()

	switch b.state {
	case StateClosed:
		if !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > b.settings.TrackingWindow {
			b.failureCount = 0
		}
		b.failureCount++
		b.lastFailureAt = now
		if b.failureCount >= b.settings.FailureThreshold {
			b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		if t.probe {
			b.lastFailureAt = now
			b.probeInFlight = false
			b.transitionLocked(StateOpen, now)
		}
	}
}

func (b *Breaker) onCancel(t *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation == b.generation && t.probe && b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.lastStateChange = now

	fields := []observability.Field{
		observability.String("tenant", b.tenantID),
		observability.String("endpoint", b.endpoint),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
		observability.Int("failures", b.failureCount),
	}
	if to == StateOpen {
		b.logger.Warn("circuit breaker opened", fields...)
	} else {
		b.logger.Info("circuit breaker state changed", fields...)
	}

	if b.onChange != nil {
		b.onChange(b, from, to)
	}
}

// State returns the current state of the breaker. An OPEN breaker whose
// reset timeout has passed still reports OPEN until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's current state for introspection.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		TenantID:        b.tenantID,
		Endpoint:        b.endpoint,
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureAt:   b.lastFailureAt,
		LastStateChange: b.lastStateChange,
		ProbeInFlight:   b.probeInFlight,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.probeInFlight = false
	b.transitionLocked(StateClosed, b.clock.Now())
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	TenantID        string    `json:"tenantId"`
	Endpoint        string    `json:"endpoint"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	LastFailureAt   time.Time `json:"lastFailureAt,omitzero"`
	LastStateChange time.Time `json:"lastStateChange"`
	ProbeInFlight   bool      `json:"probeInFlight,omitempty"`
}

// Ticket is the permission to send one request downstream.
type Ticket struct {
	breaker    *Breaker
	generation uint64
	probe      bool
	once       sync.Once
}

// Probe reports whether the ticket is the HALF_OPEN probe.
func (t *Ticket) Probe() bool {
	return t != nil && t.probe
}

// Success reports a successful downstream call.
func (t *Ticket) Success() {
	t.report(func(b *Breaker) { b.onSuccess(t) })
}

// Failure reports a failed downstream call.
func (t *Ticket) Failure() {
	t.report(func(b *Breaker) { b.onFailure(t) })
}

// Cancel reports that no downstream call happened.
func (t *Ticket) Cancel() {
	t.report(func(b *Breaker) { b.onCancel(t) })
}

// Done classifies err and reports it. Client-caused downstream errors
// count as successes, rejections raised before any downstream call and a
// cancelled caller count as cancellations, everything else is a failure.
func (t *Ticket) Done(err error) {
	var de *util.DownstreamError
	switch {
	case err == nil:
		t.Success()
	case errors.As(err, &de) && de.ClientCaused:
		t.Success()
	case util.IsCircuitFailure(err):
		t.Failure()
	case errors.Is(err, context.Canceled),
		errors.Is(err, util.ErrAdmissionRejected),
		errors.Is(err, util.ErrCircuitOpen),
		errors.Is(err, util.ErrNoHealthyBackend):
		t.Cancel()
	default:
		t.Failure()
	}
}

func (t *Ticket) report(fn func(b *Breaker)) {
	if t == nil || t.breaker == nil {
		return
	}
	t.once.Do(func() { fn(t.breaker) })
}
