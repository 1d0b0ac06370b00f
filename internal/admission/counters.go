package admission

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Outcomes counted per endpoint.
const (
	OutcomeTotal           = "total"
	OutcomeRateLimited     = "rate_limited"
	OutcomeBreakerRejected = "breaker_rejected"
	OutcomeDeduplicated    = "deduplicated"
	OutcomeShed            = "shed"
)

var (
	admissionCounterVec     *prometheus.CounterVec
	admissionCounterVecOnce sync.Once
)

func getAdmissionCounterVec() *prometheus.CounterVec {
	admissionCounterVecOnce.Do(func() {
		admissionCounterVec = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "admission",
				Name:      "requests_total",
				Help:      "Requests seen by admission control by endpoint and outcome",
			},
			[]string{"tenant", "endpoint", "outcome"},
		)
	})
	return admissionCounterVec
}

type endpointKey struct {
	tenantID string
	endpoint string
}

type endpointCounters struct {
	total           atomic.Int64
	rateLimited     atomic.Int64
	breakerRejected atomic.Int64
	deduplicated    atomic.Int64
	shed            atomic.Int64
}

// EndpointStats is a snapshot of one endpoint's counters.
type EndpointStats struct {
	TenantID        string `json:"tenantId"`
	Endpoint        string `json:"endpoint"`
	Total           int64  `json:"total"`
	RateLimited     int64  `json:"rateLimited"`
	BreakerRejected int64  `json:"breakerRejected"`
	Deduplicated    int64  `json:"deduplicated"`
	Shed            int64  `json:"shed"`
}

// Counters tracks admission outcomes per (tenant, endpoint) in memory and
// mirrors them to Prometheus.
type Counters struct {
	endpoints sync.Map
	vec       *prometheus.CounterVec
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{vec: getAdmissionCounterVec()}
}

func (c *Counters) get(tenantID, endpoint string) *endpointCounters {
	key := endpointKey{tenantID: tenantID, endpoint: endpoint}
	if v, ok := c.endpoints.Load(key); ok {
		return v.(*endpointCounters)
	}
	v, _ := c.endpoints.LoadOrStore(key, &endpointCounters{})
	return v.(*endpointCounters)
}

// Record increments one outcome counter.
func (c *Counters) Record(tenantID, endpoint, outcome string) {
	ec := c.get(tenantID, endpoint)
	switch outcome {
	case OutcomeTotal:
		ec.total.Add(1)
	case OutcomeRateLimited:
		ec.rateLimited.Add(1)
	case OutcomeBreakerRejected:
		ec.breakerRejected.Add(1)
	case OutcomeDeduplicated:
		ec.deduplicated.Add(1)
	case OutcomeShed:
		ec.shed.Add(1)
	default:
		return
	}
	c.vec.WithLabelValues(tenantID, endpoint, outcome).Inc()
}

// Deduplicated records a request answered from another request's execution.
func (c *Counters) Deduplicated(tenantID, endpoint string) {
	c.Record(tenantID, endpoint, OutcomeDeduplicated)
}

// Get returns the counters of one endpoint.
func (c *Counters) Get(tenantID, endpoint string) EndpointStats {
	return c.get(tenantID, endpoint).stats(tenantID, endpoint)
}

// Snapshot lists every endpoint's counters sorted by tenant then endpoint.
func (c *Counters) Snapshot() []EndpointStats {
	out := make([]EndpointStats, 0)
	c.endpoints.Range(func(k, v any) bool {
		key := k.(endpointKey)
		out = append(out, v.(*endpointCounters).stats(key.tenantID, key.endpoint))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

func (ec *endpointCounters) stats(tenantID, endpoint string) EndpointStats {
	return EndpointStats{
		TenantID:        tenantID,
		Endpoint:        endpoint,
		Total:           ec.total.Load(),
		RateLimited:     ec.rateLimited.Load(),
		BreakerRejected: ec.breakerRejected.Load(),
		Deduplicated:    ec.deduplicated.Load(),
		Shed:            ec.shed.Load(),
	}
}
