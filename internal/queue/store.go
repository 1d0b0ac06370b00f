package queue

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	ErrNoJob        = errors.New("no job ready")
	ErrStaleClaim   = errors.New("job claim is no longer held")
	ErrStoreClosed  = errors.New("queue store is closed")
	ErrDuplicateJob = errors.New("job already exists")
)

// Store persists jobs per tier.
type Store interface {
	// Enqueue adds a ready or delayed job.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue atomically claims the earliest job of tier whose NextRunAt is
	// not after now. It returns ErrNoJob when nothing is ready.
	Dequeue(ctx context.Context, tier Tier, now time.Time) (*Job, error)

	// Ack removes a completed job.
	Ack(ctx context.Context, job *Job) error

	// Nack records a failed attempt. The job's Attempts, Stalls and
	// LastError are persisted. A zero retryAt moves it to the dead-letter
	// record with reason; otherwise it becomes ready again at retryAt.
	Nack(ctx context.Context, job *Job, reason string, retryAt time.Time) error

	// Release returns a claimed job without consuming an attempt.
	Release(ctx context.Context, job *Job, runAt time.Time) error

	// Stalled returns the claimed jobs of tier claimed before claimedBefore.
	Stalled(ctx context.Context, tier Tier, claimedBefore time.Time) ([]*Job, error)

	// DeadLetters returns up to limit dead letters of tier, oldest first.
	// A non-positive limit returns all of them.
	DeadLetters(ctx context.Context, tier Tier, limit int) ([]*DeadLetter, error)

	// Depth returns the number of unclaimed jobs in tier, delayed ones included.
	Depth(ctx context.Context, tier Tier) (int, error)

	// Close releases the store.
	Close() error
}
