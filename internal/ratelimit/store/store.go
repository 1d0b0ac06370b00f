// Package store provides counter stores for the fixed-window limiter.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// Window is the state of one fixed window after an increment.
type Window struct {
	// Count is the number of hits recorded in the window, this one included.
	Count int64

	// Start is when the window opened.
	Start time.Time
}

// Store records hits in fixed windows.
type Store interface {
	// Increment records one hit for key at now. A new window opens at now
	// when none exists or the previous one has been open longer than window.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error)

	// Delete removes the window of key.
	Delete(ctx context.Context, key string) error

	// Close releases the store's resources.
	Close() error
}
