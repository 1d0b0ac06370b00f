package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/admission"
	"github.com/vyrodovalexey/avatraffic/internal/backend"
	"github.com/vyrodovalexey/avatraffic/internal/cache"
	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/dedup"
	"github.com/vyrodovalexey/avatraffic/internal/downstream"
	"github.com/vyrodovalexey/avatraffic/internal/middleware"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/queue"
	"github.com/vyrodovalexey/avatraffic/internal/tenant"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// Response headers set by the pipeline.
const (
	HeaderCache     = middleware.HeaderXCache
	HeaderBackendID = middleware.HeaderXBackendID

	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// DefaultMaxRequestBytes caps how much of a request body is buffered.
const DefaultMaxRequestBytes int64 = 10 << 20

// errRequestTooLarge is reported as a client-caused 413.
var errRequestTooLarge = util.NewDownstreamError("", http.StatusRequestEntityTooLarge, errors.New("request body too large"))

// result is one downstream execution, shared by deduplicated callers.
type result struct {
	resp       *downstream.Response
	instanceID string
}

// Pipeline is the data-plane http.Handler.
type Pipeline struct {
	router    *tenant.Router
	admission *admission.Controller
	registry  *backend.Registry
	handler   downstream.Handler

	cache          *cache.Manager
	dedup          *dedup.Deduplicator[*result]
	identityHeader string
	queue          *queue.Queue

	clientIP *middleware.ClientIPExtractor
	tracer   *observability.Tracer
	maxBody  int64
	clock    clock.PassiveClock
	logger   observability.Logger

	chain http.Handler
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCache enables response caching.
func WithCache(m *cache.Manager) Option {
	return func(p *Pipeline) {
		p.cache = m
	}
}

// WithDedup enables GET deduplication keyed by identityHeader.
func WithDedup(cfg config.DedupConfig) Option {
	return func(p *Pipeline) {
		if !cfg.Enabled {
			p.dedup = nil
			return
		}
		p.dedup = dedup.New[*result](dedup.WithLogger(p.logger))
		p.identityHeader = cfg.IdentityHeader
	}
}

// WithQueue routes cache invalidations through q.
func WithQueue(q *queue.Queue) Option {
	return func(p *Pipeline) {
		p.queue = q
	}
}

// WithClientIPExtractor sets how the client key is derived.
func WithClientIPExtractor(e *middleware.ClientIPExtractor) Option {
	return func(p *Pipeline) {
		p.clientIP = e
	}
}

// WithTracer enables request spans.
func WithTracer(t *observability.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = t
	}
}

// WithMaxRequestBytes sets the request body cap.
func WithMaxRequestBytes(n int64) Option {
	return func(p *Pipeline) {
		p.maxBody = n
	}
}

// WithClock sets the clock used for cache entry timestamps and response timing.
func WithClock(c clock.PassiveClock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// WithLogger sets the logger. Apply it before WithDedup so the
// deduplicator shares it.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New assembles the request path.
func New(
	router *tenant.Router,
	controller *admission.Controller,
	registry *backend.Registry,
	handler downstream.Handler,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		router:    router,
		admission: controller,
		registry:  registry,
		handler:   handler,
		clientIP:  middleware.NewClientIPExtractor(nil),
		maxBody:   DefaultMaxRequestBytes,
		clock:     clock.RealClock{},
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	var h http.Handler = http.HandlerFunc(p.serve)
	h = router.Middleware()(h)
	h = observability.MetricsMiddleware()(h)
	h = middleware.Logging(p.logger, p.clientIP)(h)
	if p.tracer != nil {
		h = observability.TracingMiddleware(p.tracer)(h)
	}
	h = middleware.RequestID()(h)
	h = middleware.Recovery(p.logger)(h)
	p.chain = h
	return p
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.chain.ServeHTTP(w, r)
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := observability.RequestIDFromContext(ctx)
	profile, ok := tenant.FromContext(ctx)
	if !ok {
		util.WriteError(w, errors.New("request was not classified"), requestID)
		return
	}
	clientKey := p.clientIP.Extract(r)

	decision, err := p.admission.Admit(ctx, admission.Request{
		TenantID:           profile.ID,
		ClientKey:          clientKey,
		Path:               r.URL.Path,
		MaxConcurrentUsers: profile.MaxConcurrentUsers,
	})
	if err != nil {
		p.reject(w, r, profile.ID, err)
		return
	}
	defer decision.Release()
	if rl := decision.RateLimit; rl != nil && rl.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	}

	body, err := p.readBody(r)
	if err != nil {
		decision.Ticket.Cancel()
		util.WriteError(w, err, requestID)
		return
	}

	read := isRead(r.Method)
	tier, cacheKey := p.cacheLookupTarget(r, profile, read)
	if tier != nil {
		if entry := p.lookup(ctx, tier, cacheKey); entry != nil {
			decision.Ticket.Cancel()
			w.Header().Set(HeaderCache, CacheHit)
			writeEntry(w, r, entry.StatusCode, entry.Header, entry.Body, "")
			return
		}
		w.Header().Set(HeaderCache, CacheMiss)
	}

	res, joined, err := p.execute(ctx, r, profile, body, clientKey, decision.Ticket)
	if joined {
		p.admission.Counters().Deduplicated(profile.ID, decision.Endpoint)
	}

	var resp *downstream.Response
	if res != nil {
		resp = res.resp
	}
	var de *util.DownstreamError
	relay := resp != nil && (err == nil || (errors.As(err, &de) && de.ClientCaused))
	if !relay {
		p.fail(w, r, profile.ID, err, res)
		return
	}

	if tier != nil && !joined && cache.Cacheable(profile.CacheStrategy, resp.StatusCode, resp.Header) {
		p.store(ctx, tier, cacheKey, resp, profile.CacheTTL)
	}
	if !read && resp.StatusCode < http.StatusBadRequest {
		p.invalidate(ctx, profile.ID, r.URL.Path)
	}

	writeEntry(w, r, resp.StatusCode, resp.Header, resp.Body, res.instanceID)
}

// execute dispatches the request, through the deduplicator for GETs. The
// breaker ticket is settled by whichever execution the caller ends up
// with: its own dispatch reports the outcome even when the caller has
// stopped waiting, and a caller sharing another's result cancels it.
func (p *Pipeline) execute(
	ctx context.Context,
	r *http.Request,
	profile *tenant.Profile,
	body []byte,
	clientKey string,
	ticket *circuitbreaker.Ticket,
) (*result, bool, error) {
	run := func(ctx context.Context) (*result, error) {
		res, err := p.dispatch(ctx, r, profile, body, clientKey)
		ticket.Done(err)
		return res, err
	}

	if p.dedup == nil || r.Method != http.MethodGet {
		res, err := run(ctx)
		return res, false, err
	}

	key := dedup.Key(r.Method, r.URL.Path, r.URL.RawQuery, profile.ID, r.Header.Get(p.identityHeader))
	// Bound the shared execution a little past the tenant timeout so the
	// dispatch deadline always fires first.
	res, joined, err := p.dedup.Do(ctx, key, profile.RequestTimeout+time.Second, run,
		dedup.OnAbandon(func(shared bool) {
			if shared {
				ticket.Cancel()
			}
		}))
	if joined {
		ticket.Cancel()
	}
	return res, joined, err
}

// dispatch leases an instance and calls the downstream handler under the
// tenant's request timeout. The lease is released on every path.
func (p *Pipeline) dispatch(
	ctx context.Context,
	r *http.Request,
	profile *tenant.Profile,
	body []byte,
	clientKey string,
) (*result, error) {
	pool, ok := p.registry.Pool(profile.ID)
	if !ok {
		return nil, util.NewNoHealthyBackendError(profile.ID)
	}
	lease, err := pool.Acquire(ctx, clientKey)
	if err != nil {
		return nil, err
	}
	inst := lease.Instance()

	callCtx, cancel := context.WithTimeout(ctx, profile.RequestTimeout)
	defer cancel()

	start := p.clock.Now()
	resp, err := p.callHandler(callCtx, &downstream.Request{
		TenantID: profile.ID,
		Instance: inst,
		HTTP:     r,
		Body:     body,
		Timeout:  profile.RequestTimeout,
	})
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, util.ErrDownstreamTimeout) {
		err = util.NewDownstreamTimeoutError(inst.ID, profile.RequestTimeout, err)
	}
	lease.Release(p.clock.Since(start), err)

	return &result{resp: resp, instanceID: inst.ID}, err
}

// callHandler invokes the downstream handler, turning a panic into an error
// so the lease and the breaker ticket are still settled.
func (p *Pipeline) callHandler(ctx context.Context, req *downstream.Request) (resp *downstream.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.WithContext(ctx).Error("downstream handler panicked",
				observability.String("tenant", req.TenantID),
				observability.String("instance", req.Instance.ID),
				observability.Any("panic", rec),
			)
			resp = nil
			err = util.NewDownstreamError(req.Instance.ID, http.StatusInternalServerError, fmt.Errorf("handler panic: %v", rec))
		}
	}()
	return p.handler.Handle(ctx, req)
}

func (p *Pipeline) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(body)) > p.maxBody {
		return nil, errRequestTooLarge
	}
	return body, nil
}

func (p *Pipeline) cacheLookupTarget(r *http.Request, profile *tenant.Profile, read bool) (*cache.MultiTier, string) {
	if !read || p.cache == nil || !p.cache.Enabled() {
		return nil, ""
	}
	if cc := r.Header.Get("Cache-Control"); cc == "no-store" {
		return nil, ""
	}
	tier, ok := p.cache.For(profile.ID)
	if !ok {
		return nil, ""
	}
	return tier, p.cache.KeyFor(r, profile.ID)
}

func (p *Pipeline) lookup(ctx context.Context, tier *cache.MultiTier, key string) *cache.Entry {
	data, src := tier.Get(ctx, key)
	if src == cache.SourceNone {
		return nil
	}
	entry, err := cache.DecodeEntry(data)
	if err != nil {
		p.logger.Warn("dropping undecodable cache entry", observability.String("key", key), observability.Error(err))
		_ = tier.Delete(ctx, key)
		return nil
	}
	return entry
}

func (p *Pipeline) store(ctx context.Context, tier *cache.MultiTier, key string, resp *downstream.Response, ttl time.Duration) {
	data, err := cache.NewEntry(resp.StatusCode, resp.Header, resp.Body, p.clock.Now()).Encode()
	if err != nil {
		p.logger.Warn("failed to encode cache entry", observability.Error(err))
		return
	}
	// Failures are logged by the tier; the response is served regardless.
	_ = tier.Set(context.WithoutCancel(ctx), key, data, ttl)
}

func (p *Pipeline) reject(w http.ResponseWriter, r *http.Request, tenantID string, err error) {
	GetMetrics().rejected.WithLabelValues(tenantID, util.ErrorClass(err)).Inc()
	p.logger.WithContext(r.Context()).Debug("request rejected",
		observability.String("tenant", tenantID),
		observability.String("path", r.URL.Path),
		observability.Error(err),
	)
	util.WriteError(w, err, observability.RequestIDFromContext(r.Context()))
}

func (p *Pipeline) fail(w http.ResponseWriter, r *http.Request, tenantID string, err error, res *result) {
	if err == nil {
		err = errors.New("downstream returned no response")
	}
	if res != nil && res.instanceID != "" {
		w.Header().Set(HeaderBackendID, res.instanceID)
	}
	GetMetrics().failed.WithLabelValues(tenantID, util.ErrorClass(err)).Inc()

	logger := p.logger.WithContext(r.Context())
	fields := []observability.Field{
		observability.String("tenant", tenantID),
		observability.String("path", r.URL.Path),
		observability.Error(err),
	}
	if errors.Is(err, util.ErrNoHealthyBackend) || errors.Is(err, util.ErrDownstreamTimeout) || util.IsCircuitFailure(err) {
		logger.Warn("request failed", fields...)
	} else {
		logger.Error("request failed", fields...)
	}
	util.WriteError(w, err, observability.RequestIDFromContext(r.Context()))
}

func writeEntry(w http.ResponseWriter, r *http.Request, status int, header http.Header, body []byte, instanceID string) {
	dst := w.Header()
	for k, vs := range header {
		if k == HeaderCache || k == observability.TenantHeader {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
	if instanceID != "" {
		dst.Set(HeaderBackendID, instanceID)
	}
	dst.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
