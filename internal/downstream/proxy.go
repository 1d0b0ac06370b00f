package downstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// DefaultMaxResponseBytes caps how much of a backend response is buffered.
const DefaultMaxResponseBytes int64 = 10 << 20

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ErrResponseTooLarge is returned when a backend body exceeds the cap.
var ErrResponseTooLarge = errors.New("downstream response too large")

// ProxyHandler forwards requests to http://host:port of the chosen instance.
type ProxyHandler struct {
	client   *http.Client
	maxBytes int64
	logger   observability.Logger
}

// ProxyOption configures a ProxyHandler.
type ProxyOption func(*ProxyHandler)

// WithMaxResponseBytes sets the response body cap.
func WithMaxResponseBytes(n int64) ProxyOption {
	return func(p *ProxyHandler) {
		p.maxBytes = n
	}
}

// WithProxyLogger sets the logger.
func WithProxyLogger(logger observability.Logger) ProxyOption {
	return func(p *ProxyHandler) {
		p.logger = logger
	}
}

// NewProxyHandler creates a forwarding handler sharing client across
// every tenant. A nil client gets the default transport.
func NewProxyHandler(client *http.Client, opts ...ProxyOption) *ProxyHandler {
	if client == nil {
		client = NewClient(DefaultTransportConfig())
	}
	p := &ProxyHandler{
		client:   client,
		maxBytes: DefaultMaxResponseBytes,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle implements Handler. A 4xx answer comes back as a response with a
// client-caused DownstreamError; a 5xx answer as a response with a plain
// DownstreamError. An expired context yields a DownstreamTimeoutError.
func (p *ProxyHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	inst := req.Instance
	out, err := http.NewRequestWithContext(ctx, req.HTTP.Method, inst.URL()+req.HTTP.URL.RequestURI(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build downstream request: %w", err)
	}
	p.director(out, req)
	observability.InjectTraceContext(ctx, out)

	resp, err := p.client.Do(out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, util.NewDownstreamTimeoutError(inst.ID, req.Timeout, err)
		}
		return nil, util.NewDownstreamError(inst.ID, http.StatusBadGateway, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, util.NewDownstreamTimeoutError(inst.ID, req.Timeout, err)
		}
		return nil, util.NewDownstreamError(inst.ID, http.StatusBadGateway, err)
	}
	if int64(len(body)) > p.maxBytes {
		return nil, util.NewDownstreamError(inst.ID, http.StatusBadGateway, ErrResponseTooLarge)
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	result := &Response{StatusCode: resp.StatusCode, Header: header, Body: body}

	if resp.StatusCode >= http.StatusBadRequest {
		return result, util.NewDownstreamError(inst.ID, resp.StatusCode, nil)
	}
	return result, nil
}

// director copies the inbound headers onto the outbound request.
func (p *ProxyHandler) director(out *http.Request, req *Request) {
	in := req.HTTP
	out.Header = in.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	if in.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
	out.Header.Set("X-Tenant-ID", req.TenantID)
	if id := observability.RequestIDFromContext(out.Context()); id != "" {
		out.Header.Set("X-Request-ID", id)
	}
}
