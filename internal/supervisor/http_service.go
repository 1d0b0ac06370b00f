package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	Serve(l net.Listener) error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a supervised service.
type HTTPService struct {
	name            string
	addr            string
	server          HTTPServer
	shutdownTimeout time.Duration
	listen          func(network, addr string) (net.Listener, error)
}

// NewHTTPService wraps server listening on addr.
func NewHTTPService(name, addr string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{
		name:            name,
		addr:            addr,
		server:          server,
		shutdownTimeout: shutdownTimeout,
		listen:          net.Listen,
	}
}

// Serve implements suture.Service. It listens, serves until ctx is done
// and then shuts the server down gracefully.
func (h *HTTPService) Serve(ctx context.Context) error {
	ln, err := h.listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("%s: listen on %s: %w", h.name, h.addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer for suture logging.
func (h *HTTPService) String() string {
	return h.name
}
