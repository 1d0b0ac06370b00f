package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/retry"
	"github.com/vyrodovalexey/avatraffic/internal/tenant"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

const tracerName = "avatraffic/queue"

// Dead-letter reasons.
const (
	ReasonExhausted   = "attempts exhausted"
	ReasonPermanent   = "permanent failure"
	ReasonUnknownType = "unknown job type"
	ReasonStalled     = "stalled twice"
	ReasonUndecodable = "undecodable job"
)

// DefaultTenantRetryDelay is how long a job whose tenant is at its cap
// waits before it is offered to a worker again.
const DefaultTenantRetryDelay = 250 * time.Millisecond

// maxStalls is the number of stalls after which a job is dead-lettered.
const maxStalls = 2

// ErrUnknownTier is returned when enqueueing on an invalid tier.
var ErrUnknownTier = errors.New("unknown queue tier")

// TierStats is a point-in-time view of one tier.
type TierStats struct {
	Tier         Tier  `json:"tier"`
	Concurrency  int   `json:"concurrency"`
	Depth        int   `json:"depth"`
	Active       int64 `json:"active"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"deadLettered"`
}

type tierPool struct {
	tier        Tier
	concurrency int
	limiter     *rate.Limiter
	wake        chan struct{}

	active       atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// Queue runs jobs from a Store on one worker pool per tier.
type Queue struct {
	store        Store
	clock        clock.WithTicker
	logger       observability.Logger
	backoff      retry.Policy
	maxAttempts  int
	stallTimeout time.Duration
	pollInterval time.Duration
	tenantDelay  time.Duration
	gate         *tenantGate
	pools        map[Tier]*tierPool
	newID        func() string

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for scheduling and stall detection.
func WithClock(c clock.WithTicker) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithTenantProfiles applies each profile's per-tier concurrency caps.
func WithTenantProfiles(profiles []*tenant.Profile) Option {
	return func(q *Queue) {
		q.gate = newTenantGate(profiles)
	}
}

// WithTenantRetryDelay sets how long a job blocked by its tenant's cap waits.
func WithTenantRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.tenantDelay = d
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) {
		if fn != nil {
			q.newID = fn
		}
	}
}

// New creates a queue over store.
func New(cfg *config.QueueConfig, store Store, opts ...Option) *Queue {
	q := &Queue{
		store:        store,
		clock:        clock.RealClock{},
		logger:       observability.NopLogger(),
		maxAttempts:  cfg.MaxAttempts,
		stallTimeout: cfg.StallTimeout.OrDefault(config.DefaultStallTimeout),
		pollInterval: cfg.PollInterval.OrDefault(config.DefaultPollInterval),
		tenantDelay:  DefaultTenantRetryDelay,
		gate:         newTenantGate(nil),
		pools:        make(map[Tier]*tierPool, len(Tiers)),
		newID:        uuid.NewString,
		handlers:     make(map[string]Handler),
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = config.DefaultMaxAttempts
	}
	q.backoff = retry.Policy{
		Base: cfg.BaseDelay.OrDefault(config.DefaultBaseDelay),
		Max:  cfg.MaxDelay.OrDefault(config.DefaultMaxDelay),
	}

	for _, t := range Tiers {
		tc := cfg.Tiers[t.String()]
		p := &tierPool{
			tier:        t,
			concurrency: tc.Concurrency,
			wake:        make(chan struct{}, 1),
		}
		if p.concurrency <= 0 {
			p.concurrency = 1
		}
		if tc.RateLimit > 0 {
			burst := tc.Burst
			if burst <= 0 {
				burst = 1
			}
			p.limiter = rate.NewLimiter(rate.Limit(tc.RateLimit), burst)
		}
		q.pools[t] = p
	}

	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register installs the handler for jobType, replacing any previous one.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// EnqueueOption configures one enqueued job.
type EnqueueOption func(*Job, *enqueueOptions)

type enqueueOptions struct {
	delay time.Duration
}

// WithDelay postpones the first attempt.
func WithDelay(d time.Duration) EnqueueOption {
	return func(_ *Job, o *enqueueOptions) {
		o.delay = d
	}
}

// WithTenant attributes the job to a tenant for its concurrency cap.
func WithTenant(tenantID string) EnqueueOption {
	return func(j *Job, _ *enqueueOptions) {
		j.TenantID = tenantID
	}
}

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(j *Job, _ *enqueueOptions) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithJobID sets the job id instead of generating one.
func WithJobID(id string) EnqueueOption {
	return func(j *Job, _ *enqueueOptions) {
		if id != "" {
			j.ID = id
		}
	}
}

// Enqueue creates a job and returns its id. A store failure is returned
// to the caller.
func (q *Queue) Enqueue(ctx context.Context, tier Tier, jobType string, payload []byte, opts ...EnqueueOption) (string, error) {
	if !tier.Valid() {
		return "", fmt.Errorf("%w: %d", ErrUnknownTier, int(tier))
	}
	if jobType == "" {
		return "", errors.New("job type is required")
	}

	now := q.clock.Now()
	job := &Job{
		ID:          q.newID(),
		Tier:        tier,
		Type:        jobType,
		Payload:     payload,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   now,
		NextRunAt:   now,
	}
	var o enqueueOptions
	for _, opt := range opts {
		opt(job, &o)
	}
	if o.delay > 0 {
		job.NextRunAt = now.Add(o.delay)
	}

	if err := q.store.Enqueue(ctx, job); err != nil {
		return "", err
	}
	GetMetrics().enqueued.WithLabelValues(tier.String()).Inc()
	q.logger.Debug("job enqueued",
		observability.String("job_id", job.ID),
		observability.String("tier", tier.String()),
		observability.String("type", jobType),
		observability.String("tenant", job.TenantID),
	)

	select {
	case q.pools[tier].wake <- struct{}{}:
	default:
	}
	return job.ID, nil
}

// RunOnce claims and processes one ready job of tier. It reports whether a
// job was executed.
func (q *Queue) RunOnce(ctx context.Context, tier Tier) (bool, error) {
	pool, ok := q.pools[tier]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTier, int(tier))
	}

	job, err := q.store.Dequeue(ctx, tier, q.clock.Now())
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !q.gate.acquire(job.TenantID, tier) {
		if err := q.store.Release(ctx, job, q.clock.Now().Add(q.tenantDelay)); err != nil {
			q.logger.Warn("failed to release job blocked by tenant cap",
				observability.String("job_id", job.ID),
				observability.Error(err))
		}
		return false, nil
	}
	defer q.gate.release(job.TenantID, tier)

	q.execute(ctx, pool, job)
	return true, nil
}

func (q *Queue) execute(ctx context.Context, pool *tierPool, job *Job) {
	tierName := pool.tier.String()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "queue.Execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", job.Type),
			attribute.String("job.tier", tierName),
			attribute.Int("job.attempt", job.Attempts+1),
		),
	)
	defer span.End()

	h, ok := q.handler(job.Type)
	if !ok {
		job.LastError = ReasonUnknownType
		q.deadLetter(ctx, pool, job, ReasonUnknownType)
		span.SetStatus(codes.Error, ReasonUnknownType)
		return
	}

	pool.active.Add(1)
	GetMetrics().active.WithLabelValues(tierName).Inc()
	start := q.clock.Now()
	err := q.invoke(ctx, h, job)
	GetMetrics().duration.WithLabelValues(tierName, job.Type).Observe(q.clock.Since(start).Seconds())
	GetMetrics().active.WithLabelValues(tierName).Dec()
	pool.active.Add(-1)

	if err == nil {
		q.complete(ctx, pool, job)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	q.fail(ctx, pool, job, err)
}

// invoke runs the handler under the stall timeout and turns a panic into
// an error.
func (q *Queue) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.stallTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, job.Clone())
}

func (q *Queue) complete(ctx context.Context, pool *tierPool, job *Job) {
	if err := q.store.Ack(ctx, job); err != nil {
		if errors.Is(err, ErrStaleClaim) {
			q.logger.Info("ignoring completion of recovered job",
				observability.String("job_id", job.ID),
				observability.String("tier", pool.tier.String()))
			return
		}
		q.logger.Error("failed to ack job",
			observability.String("job_id", job.ID),
			observability.Error(err))
		return
	}
	pool.completed.Add(1)
	GetMetrics().completed.WithLabelValues(pool.tier.String()).Inc()
}

func (q *Queue) fail(ctx context.Context, pool *tierPool, job *Job, cause error) {
	job.Attempts++
	job.LastError = cause.Error()
	pool.failed.Add(1)
	GetMetrics().failed.WithLabelValues(pool.tier.String()).Inc()

	if IsPermanent(cause) {
		q.deadLetter(ctx, pool, job, ReasonPermanent)
		return
	}
	if job.Attempts >= job.MaxAttempts {
		q.deadLetter(ctx, pool, job, ReasonExhausted)
		return
	}

	delay := q.backoff.Delay(job.Attempts)
	if err := q.store.Nack(ctx, job, "", q.clock.Now().Add(delay)); err != nil {
		q.logSettleError(job, err)
		return
	}
	pool.retried.Add(1)
	GetMetrics().retried.WithLabelValues(pool.tier.String()).Inc()
	q.logger.Warn("job attempt failed, retrying",
		observability.String("job_id", job.ID),
		observability.String("tier", pool.tier.String()),
		observability.String("type", job.Type),
		observability.Int("attempt", job.Attempts),
		observability.Int("max_attempts", job.MaxAttempts),
		observability.Duration("delay", delay),
		observability.Error(cause),
	)
}

func (q *Queue) deadLetter(ctx context.Context, pool *tierPool, job *Job, reason string) {
	if err := q.store.Nack(ctx, job, reason, time.Time{}); err != nil {
		q.logSettleError(job, err)
		return
	}
	pool.deadLettered.Add(1)
	GetMetrics().deadLettered.WithLabelValues(pool.tier.String(), reason).Inc()
	q.logger.Error("job dead-lettered",
		observability.String("job_id", job.ID),
		observability.String("tier", pool.tier.String()),
		observability.String("type", job.Type),
		observability.String("tenant", job.TenantID),
		observability.String("reason", reason),
		observability.Error(util.NewJobFailedError(job.ID, job.Type, job.Attempts, errors.New(job.LastError))),
	)
}

func (q *Queue) logSettleError(job *Job, err error) {
	if errors.Is(err, ErrStaleClaim) {
		q.logger.Info("ignoring failure of recovered job", observability.String("job_id", job.ID))
		return
	}
	q.logger.Error("failed to settle job",
		observability.String("job_id", job.ID),
		observability.Error(err))
}

// RecoverStalled requeues or dead-letters jobs claimed longer than the
// stall timeout and returns how many were recovered.
func (q *Queue) RecoverStalled(ctx context.Context) int {
	cutoff := q.clock.Now().Add(-q.stallTimeout)
	recovered := 0

	for _, t := range Tiers {
		jobs, err := q.store.Stalled(ctx, t, cutoff)
		if err != nil {
			q.logger.Error("failed to list stalled jobs",
				observability.String("tier", t.String()),
				observability.Error(err))
			continue
		}
		pool := q.pools[t]
		for _, job := range jobs {
			job.Stalls++
			job.Attempts++
			job.LastError = "stalled"
			GetMetrics().stalled.WithLabelValues(t.String()).Inc()

			if job.Stalls >= maxStalls || job.Attempts >= job.MaxAttempts {
				q.deadLetter(ctx, pool, job, ReasonStalled)
				recovered++
				continue
			}
			if err := q.store.Nack(ctx, job, "", q.clock.Now()); err != nil {
				q.logSettleError(job, err)
				continue
			}
			recovered++
			pool.retried.Add(1)
			q.logger.Warn("stalled job requeued",
				observability.String("job_id", job.ID),
				observability.String("tier", t.String()),
				observability.Time("claimed_at", job.ClaimedAt))
		}
	}
	return recovered
}

// StallTask returns a scheduler task running RecoverStalled.
func (q *Queue) StallTask() func(context.Context) {
	return func(ctx context.Context) {
		q.RecoverStalled(ctx)
	}
}

// StallTimeout returns the configured stall timeout.
func (q *Queue) StallTimeout() time.Duration {
	return q.stallTimeout
}

// Serve runs every tier's worker pool until ctx is done.
func (q *Queue) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range Tiers {
		pool := q.pools[t]
		for i := 0; i < pool.concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.work(ctx, pool)
			}()
		}
		q.logger.Info("queue worker pool started",
			observability.String("tier", t.String()),
			observability.Int("concurrency", pool.concurrency))
	}

	<-ctx.Done()
	wg.Wait()
	q.logger.Info("queue workers stopped")
	return ctx.Err()
}

func (q *Queue) work(ctx context.Context, pool *tierPool) {
	for ctx.Err() == nil {
		if pool.limiter != nil {
			if err := pool.limiter.Wait(ctx); err != nil {
				return
			}
		}

		ran, err := q.RunOnce(ctx, pool.tier)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("queue worker failed to claim job",
				observability.String("tier", pool.tier.String()),
				observability.Error(err))
		}
		if ran {
			continue
		}

		timer := q.clock.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-pool.wake:
			timer.Stop()
		case <-timer.C():
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (q *Queue) String() string {
	return "queue"
}

// Stats returns per-tier counters, most urgent tier first.
func (q *Queue) Stats(ctx context.Context) []TierStats {
	out := make([]TierStats, 0, len(Tiers))
	for _, t := range Tiers {
		pool := q.pools[t]
		depth, err := q.store.Depth(ctx, t)
		if err != nil {
			depth = -1
		}
		out = append(out, TierStats{
			Tier:         t,
			Concurrency:  pool.concurrency,
			Depth:        depth,
			Active:       pool.active.Load(),
			Completed:    pool.completed.Load(),
			Failed:       pool.failed.Load(),
			Retried:      pool.retried.Load(),
			DeadLettered: pool.deadLettered.Load(),
		})
	}
	return out
}

// DeadLetters returns up to limit dead letters of tier.
func (q *Queue) DeadLetters(ctx context.Context, tier Tier, limit int) ([]*DeadLetter, error) {
	return q.store.DeadLetters(ctx, tier, limit)
}

// TenantInFlight returns how many of tenantID's jobs are running in tier.
func (q *Queue) TenantInFlight(tenantID string, tier Tier) int {
	return q.gate.inFlight(tenantID, tier)
}

// Close closes the store.
func (q *Queue) Close() error {
	return q.store.Close()
}
