package downstream

import (
	"context"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/backend"
)

// Request is one dispatch to a backend instance.
type Request struct {
	TenantID string
	Instance *backend.Instance
	HTTP     *http.Request
	Body     []byte

	// Timeout is the tenant request timeout already applied to the
	// dispatch context. It is carried for error reporting.
	Timeout time.Duration
}

// Response is what a handler returns for a completed dispatch.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Handler serves a dispatched request. A non-nil error may accompany a
// non-nil response when the backend answered with an error status.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
