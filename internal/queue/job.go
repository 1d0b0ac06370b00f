package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier is a priority class. Lower values are more urgent.
type Tier int

// Priority tiers, most urgent first.
const (
	TierCritical Tier = iota
	TierHigh
	TierStandard
	TierLow
	TierBulk
)

// Tiers lists every tier, most urgent first.
var Tiers = []Tier{TierCritical, TierHigh, TierStandard, TierLow, TierBulk}

var tierNames = [...]string{"critical", "high", "standard", "low", "bulk"}

// String returns the lower-case tier name used in config and metrics.
func (t Tier) String() string {
	if t < TierCritical || t > TierBulk {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// Valid reports whether t is one of the five tiers.
func (t Tier) Valid() bool {
	return t >= TierCritical && t <= TierBulk
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range tierNames {
		if n == name {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown queue tier %q", s)
}

// Job is one unit of deferred work.
type Job struct {
	ID          string    `json:"id"`
	Tier        Tier      `json:"tier"`
	Type        string    `json:"type"`
	TenantID    string    `json:"tenantId,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	Stalls      int       `json:"stalls,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	NextRunAt   time.Time `json:"nextRunAt"`
	LastError   string    `json:"lastError,omitempty"`

	// ClaimID and ClaimedAt are set while a worker holds the job. A store
	// rejects Ack, Nack and Release carrying a ClaimID it no longer holds.
	ClaimID   string    `json:"-"`
	ClaimedAt time.Time `json:"-"`
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	return &c
}

// DeadLetter records a job that will not be attempted again.
type DeadLetter struct {
	Job      *Job      `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`

	// Body is the raw stored job when it could not be decoded.
	Body string `json:"body,omitempty"`
}

// Handler executes jobs of one type.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// PermanentError marks a handler failure that retrying cannot fix.
type PermanentError struct {
	Cause error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return "permanent: " + e.Cause.Error()
}

// Unwrap returns the underlying cause.
func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// Permanent wraps err so the job is dead-lettered without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
