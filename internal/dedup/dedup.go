// Package dedup collapses concurrent identical GET requests into a single
// downstream execution.
//
// The first caller for a key starts the execution; callers arriving while
// it is in flight join it and receive the same result. The in-flight record
// is dropped as soon as the execution finishes, successfully or not, so a
// later request for the same key executes again.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Deduplicator runs at most one function per key at a time.
type Deduplicator[T any] struct {
	group    singleflight.Group
	inflight atomic.Int64
	logger   observability.Logger
}

// Option configures a Deduplicator.
type Option func(*options)

type options struct {
	logger observability.Logger
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates a Deduplicator.
func New[T any](opts ...Option) *Deduplicator[T] {
	o := &options{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return &Deduplicator[T]{logger: o.logger}
}

// CallOption configures a single Do call.
type CallOption func(*callOptions)

type callOptions struct {
	onAbandon func(joined bool)
}

// OnAbandon registers fn for a caller that stops waiting before the
// execution finishes. fn runs once that execution is over, with joined
// reporting whether the caller's own function never ran.
func OnAbandon(fn func(joined bool)) CallOption {
	return func(o *callOptions) {
		o.onAbandon = fn
	}
}

// Do runs fn for key unless an execution for key is already in flight, in
// which case it waits for that execution's result. joined reports whether
// this caller received another caller's result.
//
// fn runs on a context detached from ctx and bounded by timeout (when
// positive), so the leader giving up does not fail the joiners. Every
// caller, the leader included, stops waiting when its own ctx is done; it
// is then reported as not joined, since whether its fn runs is not yet
// known. Use OnAbandon to learn the outcome.
func (d *Deduplicator[T]) Do(
	ctx context.Context,
	key string,
	timeout time.Duration,
	fn func(ctx context.Context) (T, error),
	opts ...CallOption,
) (result T, joined bool, err error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	var executed atomic.Bool

	ch := d.group.DoChan(key, func() (any, error) {
		executed.Store(true)
		d.inflight.Add(1)
		defer d.inflight.Add(-1)

		runCtx := context.WithoutCancel(ctx)
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, timeout)
			defer cancel()
		}
		return d.safeCall(runCtx, key, fn)
	})

	select {
	case <-ctx.Done():
		if co.onAbandon != nil {
			go func() {
				<-ch
				co.onAbandon(!executed.Load())
			}()
		}
		var zero T
		return zero, false, ctx.Err()
	case res := <-ch:
		joined = !executed.Load()
		if joined {
			d.logger.Debug("joined in-flight request", observability.String("dedup_key", key))
		}
		if res.Err != nil {
			var zero T
			return zero, joined, res.Err
		}
		return res.Val.(T), joined, nil
	}
}

// safeCall converts a panic in fn into an error; singleflight would
// otherwise re-raise it on a goroutine nobody recovers.
func (d *Deduplicator[T]) safeCall(ctx context.Context, key string, fn func(context.Context) (T, error)) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("deduplicated call panicked",
				observability.String("dedup_key", key),
				observability.Any("panic", r),
			)
			err = fmt.Errorf("deduplicated call panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// InFlight returns the number of executions currently in flight.
func (d *Deduplicator[T]) InFlight() int {
	return int(d.inflight.Load())
}

// Forget drops the in-flight record of key so the next caller starts a new
// execution. Callers already waiting keep waiting for the old one.
func (d *Deduplicator[T]) Forget(key string) {
	d.group.Forget(key)
}

// Key derives the dedup key of a request. identity is the caller's
// credential (e.g. the Authorization header) so different users never
// share a result.
func Key(method, path, rawQuery, tenantID, identity string) string {
	h := sha256.New()
	for _, part := range []string{method, path, rawQuery, tenantID, identity} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
