package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Protocol names for health probes.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// Prober performs one liveness call against an instance. A nil error
// means the instance is alive.
type Prober interface {
	Probe(ctx context.Context, inst *Instance) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, inst *Instance) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, inst *Instance) error {
	return f(ctx, inst)
}

// NewProber returns the prober for cfg.Protocol.
func NewProber(cfg config.HealthCheckConfig, logger observability.Logger) Prober {
	if cfg.Protocol == ProtocolGRPC {
		return NewGRPCProber("", logger)
	}
	return NewHTTPProber(nil, cfg.Path)
}

// HTTPProber issues GET <path> and treats 2xx and 3xx as alive.
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber creates an HTTP prober. Redirects are not followed.
func NewHTTPProber(client *http.Client, path string) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if path == "" {
		path = config.DefaultHealthPath
	}
	return &HTTPProber{client: &c, path: path}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, inst *Instance) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.URL()+p.path, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	return fmt.Errorf("health probe returned status %d", resp.StatusCode)
}

// GRPCProber calls grpc.health.v1.Health/Check and treats SERVING as alive.
// Connections are pooled per address.
type GRPCProber struct {
	service string
	logger  observability.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCProber creates a gRPC prober for service, "" meaning the whole server.
func NewGRPCProber(service string, logger observability.Logger) *GRPCProber {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &GRPCProber{
		service: service,
		logger:  logger,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context, inst *Instance) error {
	addr := inst.Address()
	conn, err := p.conn(addr)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		p.drop(addr)
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health probe returned %s", resp.GetStatus())
	}
	return nil
}

func (p *GRPCProber) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		p.closeLocked(addr, conn)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

func (p *GRPCProber) drop(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		p.closeLocked(addr, conn)
	}
}

func (p *GRPCProber) closeLocked(addr string, conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		p.logger.Warn("failed to close gRPC probe connection",
			observability.String("addr", addr),
			observability.Error(err),
		)
	}
	delete(p.conns, addr)
}

// Close closes every pooled connection.
func (p *GRPCProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, conn := range p.conns {
		p.closeLocked(addr, conn)
	}
	return nil
}
