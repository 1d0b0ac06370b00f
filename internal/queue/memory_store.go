package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// jobHeap orders jobs by NextRunAt, then by enqueue order.
type jobHeap []*heapItem

type heapItem struct {
	job *Job
	seq uint64
}

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.NextRunAt.Equal(h[j].job.NextRunAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].job.NextRunAt.Before(h[j].job.NextRunAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MemoryStore keeps jobs in process, one min-heap per tier.
type MemoryStore struct {
	clock clock.PassiveClock

	mu      sync.Mutex
	seq     uint64
	ready   map[Tier]*jobHeap
	ids     map[string]bool
	claimed map[string]*Job
	dead    map[Tier][]*DeadLetter
	closed  bool
}

// StoreOption configures a store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	clock  clock.PassiveClock
	prefix string
	owned  bool
}

// WithStoreClock sets the clock stamping dead letters.
func WithStoreClock(c clock.PassiveClock) StoreOption {
	return func(o *storeOptions) {
		o.clock = c
	}
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) StoreOption {
	return func(o *storeOptions) {
		o.prefix = prefix
	}
}

// WithOwnedClient makes Close also close the Redis client.
func WithOwnedClient() StoreOption {
	return func(o *storeOptions) {
		o.owned = true
	}
}

func newStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{clock: clock.RealClock{}, prefix: "queue:"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := newStoreOptions(opts)
	s := &MemoryStore{
		clock:   o.clock,
		ready:   make(map[Tier]*jobHeap, len(Tiers)),
		ids:     make(map[string]bool),
		claimed: make(map[string]*Job),
		dead:    make(map[Tier][]*DeadLetter, len(Tiers)),
	}
	for _, t := range Tiers {
		h := make(jobHeap, 0)
		s.ready[t] = &h
	}
	return s
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, job *Job) error {
	if !job.Tier.Valid() {
		return fmt.Errorf("enqueue %s: invalid tier %d", job.ID, int(job.Tier))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.ids[job.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	s.ids[job.ID] = true
	s.pushLocked(job.Clone())
	return nil
}

// Dequeue implements Store.
func (s *MemoryStore) Dequeue(_ context.Context, tier Tier, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	h, ok := s.ready[tier]
	if !ok || h.Len() == 0 || (*h)[0].job.NextRunAt.After(now) {
		return nil, ErrNoJob
	}

	job := heap.Pop(h).(*heapItem).job
	job.ClaimID = uuid.NewString()
	job.ClaimedAt = now
	s.claimed[job.ID] = job
	return job.Clone(), nil
}

// Ack implements Store.
func (s *MemoryStore) Ack(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.takeClaimLocked(job); err != nil {
		return err
	}
	delete(s.ids, job.ID)
	return nil
}

// Nack implements Store.
func (s *MemoryStore) Nack(_ context.Context, job *Job, reason string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, err := s.takeClaimLocked(job)
	if err != nil {
		return err
	}
	held.Attempts = job.Attempts
	held.Stalls = job.Stalls
	held.LastError = job.LastError

	if retryAt.IsZero() {
		delete(s.ids, job.ID)
		s.dead[held.Tier] = append(s.dead[held.Tier], &DeadLetter{
			Job:      held,
			Reason:   reason,
			FailedAt: s.clock.Now(),
		})
		return nil
	}
	held.NextRunAt = retryAt
	s.pushLocked(held)
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, job *Job, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, err := s.takeClaimLocked(job)
	if err != nil {
		return err
	}
	held.NextRunAt = runAt
	s.pushLocked(held)
	return nil
}

// Stalled implements Store.
func (s *MemoryStore) Stalled(_ context.Context, tier Tier, claimedBefore time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, job := range s.claimed {
		if job.Tier == tier && job.ClaimedAt.Before(claimedBefore) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ClaimedAt.Before(out[j].ClaimedAt)
	})
	return out, nil
}

// DeadLetters implements Store.
func (s *MemoryStore) DeadLetters(_ context.Context, tier Tier, limit int) ([]*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dead := s.dead[tier]
	if limit > 0 && limit < len(dead) {
		dead = dead[:limit]
	}
	out := make([]*DeadLetter, len(dead))
	for i, d := range dead {
		out[i] = &DeadLetter{Job: d.Job.Clone(), Reason: d.Reason, FailedAt: d.FailedAt, Body: d.Body}
	}
	return out, nil
}

// Depth implements Store.
func (s *MemoryStore) Depth(_ context.Context, tier Tier) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.ready[tier]
	if !ok {
		return 0, nil
	}
	return h.Len(), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// takeClaimLocked removes and returns the held job when the claim matches.
func (s *MemoryStore) takeClaimLocked(job *Job) (*Job, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	held, ok := s.claimed[job.ID]
	if !ok || held.ClaimID != job.ClaimID {
		return nil, fmt.Errorf("%w: %s", ErrStaleClaim, job.ID)
	}
	delete(s.claimed, job.ID)
	held.ClaimID = ""
	held.ClaimedAt = time.Time{}
	return held, nil
}

func (s *MemoryStore) pushLocked(job *Job) {
	s.seq++
	heap.Push(s.ready[job.Tier], &heapItem{job: job, seq: s.seq})
}
