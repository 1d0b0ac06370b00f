package backend

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/config"
)

// Status represents the health status of an instance.
type Status int32

const (
	// StatusUnknown is the state before the first probe completes.
	StatusUnknown Status = iota
	// StatusHealthy indicates the instance passed its last probe.
	StatusHealthy
	// StatusUnhealthy indicates the instance reached the failover threshold.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ewmaAlpha weights the newest response-time sample.
const ewmaAlpha = 0.3

// Instance is one downstream server of a tenant.
type Instance struct {
	ID             string
	TenantID       string
	Host           string
	Port           int
	Weight         int
	MaxConnections int

	status              atomic.Int32
	consecutiveFailures atomic.Int64
	lastCheck           atomic.Int64
	active              atomic.Int64
	responseTime        atomic.Uint64
	effectiveWeight     atomic.Uint64
}

// NewInstance creates an instance in the UNKNOWN state.
func NewInstance(tenantID string, cfg config.BackendConfig) *Instance {
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}
	return &Instance{
		ID:             cfg.ID,
		TenantID:       tenantID,
		Host:           cfg.Host,
		Port:           cfg.Port,
		Weight:         weight,
		MaxConnections: cfg.MaxConnections,
	}
}

// Address returns host:port.
func (i *Instance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URL returns the plain HTTP base URL.
func (i *Instance) URL() string {
	return "http://" + i.Address()
}

// String implements fmt.Stringer.
func (i *Instance) String() string {
	return fmt.Sprintf("%s/%s(%s)", i.TenantID, i.ID, i.Address())
}

// Status returns the current health status.
func (i *Instance) Status() Status {
	return Status(i.status.Load())
}

// casStatus moves the instance from one status to another. It returns
// false when another writer changed the status first.
func (i *Instance) casStatus(from, to Status) bool {
	return i.status.CompareAndSwap(int32(from), int32(to))
}

// Eligible reports whether the instance may receive traffic by health.
// UNKNOWN instances are eligible so traffic flows before the first probe.
func (i *Instance) Eligible() bool {
	return i.Status() != StatusUnhealthy
}

// Available reports whether the instance is eligible and below its
// connection ceiling.
func (i *Instance) Available() bool {
	if !i.Eligible() {
		return false
	}
	return i.MaxConnections <= 0 || i.active.Load() < int64(i.MaxConnections)
}

// ActiveConnections returns the number of dispatched, unfinished requests.
func (i *Instance) ActiveConnections() int64 {
	return i.active.Load()
}

// ConsecutiveFailures returns the current probe failure streak.
func (i *Instance) ConsecutiveFailures() int64 {
	return i.consecutiveFailures.Load()
}

// LastCheck returns when the last probe finished, zero if never.
func (i *Instance) LastCheck() time.Time {
	ns := i.lastCheck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ResponseTime returns the smoothed observed response time.
func (i *Instance) ResponseTime() time.Duration {
	return time.Duration(math.Float64frombits(i.responseTime.Load()))
}

// EffectiveWeight returns the instance's share of its pool's healthy
// weight, zero when it is unhealthy.
func (i *Instance) EffectiveWeight() float64 {
	return math.Float64frombits(i.effectiveWeight.Load())
}

// observe folds one response time into the moving average.
func (i *Instance) observe(elapsed time.Duration) {
	sample := float64(elapsed)
	for {
		old := i.responseTime.Load()
		prev := math.Float64frombits(old)
		next := sample
		if prev > 0 {
			next = ewmaAlpha*sample + (1-ewmaAlpha)*prev
		}
		if i.responseTime.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// Snapshot is a JSON-friendly view of an instance.
type Snapshot struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenant"`
	Address             string    `json:"address"`
	Weight              int       `json:"weight"`
	EffectiveWeight     float64   `json:"effectiveWeight"`
	MaxConnections      int       `json:"maxConnections,omitempty"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int64     `json:"consecutiveFailures"`
	LastCheck           time.Time `json:"lastCheck,omitempty"`
	ActiveConnections   int64     `json:"activeConnections"`
	ResponseTimeMs      float64   `json:"responseTimeMs"`
}

// Snapshot returns the instance's current state.
func (i *Instance) Snapshot() Snapshot {
	return Snapshot{
		ID:                  i.ID,
		TenantID:            i.TenantID,
		Address:             i.Address(),
		Weight:              i.Weight,
		EffectiveWeight:     i.EffectiveWeight(),
		MaxConnections:      i.MaxConnections,
		Status:              i.Status(),
		ConsecutiveFailures: i.ConsecutiveFailures(),
		LastCheck:           i.LastCheck(),
		ActiveConnections:   i.ActiveConnections(),
		ResponseTimeMs:      float64(i.ResponseTime()) / float64(time.Millisecond),
	}
}

// tryAcquire reserves a connection slot when the instance is available.
func (i *Instance) tryAcquire() bool {
	for {
		if !i.Eligible() {
			return false
		}
		cur := i.active.Load()
		if i.MaxConnections > 0 && cur >= int64(i.MaxConnections) {
			return false
		}
		if i.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (i *Instance) setEffectiveWeight(w float64) {
	i.effectiveWeight.Store(math.Float64bits(w))
}
