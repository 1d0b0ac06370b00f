package retry

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// DefaultJitter is the spread applied to connection retries so replicas
// restarting together do not reconnect in lockstep.
const DefaultJitter = 0.25

// Option configures Do.
type Option func(*options)

type options struct {
	retryIf func(error) bool
	onRetry func(attempt int, err error, wait time.Duration)
	clock   clock.Clock
}

// RetryIf stops the loop as soon as fn returns false for an error.
func RetryIf(fn func(error) bool) Option {
	return func(o *options) { o.retryIf = fn }
}

// OnRetry is called before each wait with the 1-based number of the
// attempt that failed.
func OnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithClock sets the clock used for waits.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Do calls fn up to attempts times, waiting p.Delay between failures. It
// returns nil on the first success, the last error once the budget is spent
// or RetryIf refuses, and ctx.Err() when ctx ends first.
func Do(ctx context.Context, p Policy, attempts int, fn func(context.Context) error, opts ...Option) error {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if o.retryIf != nil && !o.retryIf(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt+1, err, wait)
		}
		timer := o.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
	return err
}
