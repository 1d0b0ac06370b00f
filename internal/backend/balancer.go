package backend

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync/atomic"
)

// Algorithm names accepted in tenant profiles.
const (
	AlgorithmRoundRobin         = "round-robin"
	AlgorithmLeastConnections   = "least-connections"
	AlgorithmWeightedRoundRobin = "weighted-round-robin"
	AlgorithmIPHash             = "ip-hash"
	AlgorithmResponseTime       = "response-time"
)

// Balancer picks one instance from the pool's current candidates, which
// are the eligible instances in registration order. Select returns nil
// only when candidates is empty.
type Balancer interface {
	Name() string
	Select(candidates []*Instance, clientIP string) *Instance
}

// NewBalancer returns the balancer for algorithm.
func NewBalancer(algorithm string) (Balancer, error) {
	switch algorithm {
	case AlgorithmRoundRobin, "":
		return &RoundRobin{}, nil
	case AlgorithmLeastConnections:
		return LeastConnections{}, nil
	case AlgorithmWeightedRoundRobin:
		return WeightedRoundRobin{}, nil
	case AlgorithmIPHash:
		return IPHash{}, nil
	case AlgorithmResponseTime:
		return ResponseTime{}, nil
	default:
		return nil, fmt.Errorf("unknown load balancing algorithm %q", algorithm)
	}
}

// RoundRobin cycles through the candidates.
type RoundRobin struct {
	current atomic.Uint64
}

// Name implements Balancer.
func (b *RoundRobin) Name() string { return AlgorithmRoundRobin }

// Select implements Balancer.
func (b *RoundRobin) Select(candidates []*Instance, _ string) *Instance {
	if len(candidates) == 0 {
		return nil
	}
	idx := b.current.Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

// LeastConnections picks the candidate with the fewest active connections,
// the earliest registered one on ties.
type LeastConnections struct{}

// Name implements Balancer.
func (LeastConnections) Name() string { return AlgorithmLeastConnections }

// Select implements Balancer.
func (LeastConnections) Select(candidates []*Instance, _ string) *Instance {
	var selected *Instance
	minConns := int64(-1)
	for _, inst := range candidates {
		conns := inst.ActiveConnections()
		if minConns < 0 || conns < minConns {
			minConns = conns
			selected = inst
		}
	}
	return selected
}

// WeightedRoundRobin picks a candidate at random with probability
// proportional to its configured weight.
type WeightedRoundRobin struct{}

// Name implements Balancer.
func (WeightedRoundRobin) Name() string { return AlgorithmWeightedRoundRobin }

// Select implements Balancer.
func (WeightedRoundRobin) Select(candidates []*Instance, _ string) *Instance {
	if len(candidates) == 0 {
		return nil
	}
	total := 0
	for _, inst := range candidates {
		total += inst.Weight
	}
	if total <= 0 {
		return candidates[secureRandomInt(len(candidates))]
	}

	r := secureRandomInt(total)
	for _, inst := range candidates {
		r -= inst.Weight
		if r < 0 {
			return inst
		}
	}
	return candidates[len(candidates)-1]
}

// IPHash maps a client IP to a candidate with FNV-1a so the same client
// keeps landing on the same instance while the healthy set is stable.
type IPHash struct{}

// Name implements Balancer.
func (IPHash) Name() string { return AlgorithmIPHash }

// Select implements Balancer.
func (IPHash) Select(candidates []*Instance, clientIP string) *Instance {
	if len(candidates) == 0 {
		return nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientIP))
	return candidates[h.Sum32()%uint32(len(candidates))] //nolint:gosec // candidate count fits in uint32
}

// ResponseTime picks the candidate with the lowest smoothed response time,
// the one with fewer active connections on ties.
type ResponseTime struct{}

// Name implements Balancer.
func (ResponseTime) Name() string { return AlgorithmResponseTime }

// Select implements Balancer.
func (ResponseTime) Select(candidates []*Instance, _ string) *Instance {
	var selected *Instance
	for _, inst := range candidates {
		if selected == nil {
			selected = inst
			continue
		}
		rt, best := inst.ResponseTime(), selected.ResponseTime()
		if rt < best || (rt == best && inst.ActiveConnections() < selected.ActiveConnections()) {
			selected = inst
		}
	}
	return selected
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounds checked
}
