package tenant

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// MatchSource records which rule classified a request.
type MatchSource string

// Match sources in classification order.
const (
	MatchSubdomain MatchSource = "subdomain"
	MatchPath      MatchSource = "path"
	MatchHeader    MatchSource = "header"
	MatchDefault   MatchSource = "default"
)

type prefixRoute struct {
	matcher *PrefixMatcher
	profile *Profile
}

// Router classifies requests into tenant profiles.
type Router struct {
	profiles   map[string]*Profile
	ordered    []*Profile
	subdomains map[string]*Profile
	prefixes   []prefixRoute
	header     string
	fallback   *Profile
	logger     observability.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger.
func WithRouterLogger(logger observability.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter builds a router from the tenant table.
func NewRouter(cfg config.TenantsConfig, opts ...RouterOption) (*Router, error) {
	r := &Router{
		profiles:   make(map[string]*Profile, len(cfg.Profiles)),
		subdomains: make(map[string]*Profile),
		header:     cfg.Header,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.header == "" {
		r.header = config.DefaultTenantHeader
	}

	for i := range cfg.Profiles {
		p := NewProfile(&cfg.Profiles[i])
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", p.ID)
		}
		r.profiles[p.ID] = p
		r.ordered = append(r.ordered, p)

		for _, sub := range cfg.Profiles[i].Subdomains {
			r.subdomains[strings.ToLower(sub)] = p
		}
		for _, prefix := range cfg.Profiles[i].PathPrefixes {
			r.prefixes = append(r.prefixes, prefixRoute{matcher: NewPrefixMatcher(prefix), profile: p})
		}
	}

	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].matcher.Prefix()) > len(r.prefixes[j].matcher.Prefix())
	})

	fallback, ok := r.profiles[cfg.DefaultTenant]
	if !ok {
		return nil, fmt.Errorf("default tenant %q has no profile", cfg.DefaultTenant)
	}
	r.fallback = fallback

	return r, nil
}

// Classify returns the profile for req and the rule that selected it.
func (r *Router) Classify(req *http.Request) (*Profile, MatchSource) {
	if p := r.matchSubdomain(req.Host); p != nil {
		return p, MatchSubdomain
	}

	for _, route := range r.prefixes {
		if route.matcher.Match(req.URL.Path) {
			return route.profile, MatchPath
		}
	}

	if id := strings.TrimSpace(req.Header.Get(r.header)); id != "" {
		if p, ok := r.profiles[id]; ok {
			return p, MatchHeader
		}
	}

	return r.fallback, MatchDefault
}

func (r *Router) matchSubdomain(host string) *Profile {
	if host == "" || len(r.subdomains) == 0 {
		return nil
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	if p, ok := r.subdomains[host]; ok {
		return p
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		if p, ok := r.subdomains[host[:i]]; ok {
			return p
		}
	}
	return nil
}

// Profile returns the profile with the given id.
func (r *Router) Profile(id string) (*Profile, bool) {
	p, ok := r.profiles[id]
	return p, ok
}

// Profiles returns every profile in configuration order.
func (r *Router) Profiles() []*Profile {
	return append([]*Profile(nil), r.ordered...)
}

// Default returns the fallback profile.
func (r *Router) Default() *Profile {
	return r.fallback
}

// Middleware classifies each request once and attaches the profile to its
// context. Later stages read it with FromContext.
func (r *Router) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p, source := r.Classify(req)

			ctx := WithProfile(req.Context(), p)
			ctx = observability.ContextWithTenantID(ctx, p.ID)

			GetTenantMetrics().classified.WithLabelValues(p.ID, string(source)).Inc()
			r.logger.Debug("request classified",
				observability.String("tenant", p.ID),
				observability.String("source", string(source)),
				observability.String("path", req.URL.Path),
			)

			w.Header().Set(observability.TenantHeader, p.ID)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

type profileKey struct{}

// WithProfile attaches p to ctx.
func WithProfile(ctx context.Context, p *Profile) context.Context {
	return context.WithValue(ctx, profileKey{}, p)
}

// FromContext returns the profile attached by the router.
func FromContext(ctx context.Context) (*Profile, bool) {
	p, ok := ctx.Value(profileKey{}).(*Profile)
	return p, ok && p != nil
}
