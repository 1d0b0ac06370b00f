package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is a capped exponential curve: attempt n waits Base * 2^n, never
// more than Max. Jitter spreads each wait symmetrically by up to that
// fraction; job retries run without it so delays strictly grow.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the wait before retrying after attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	ceiling := p.Max
	if ceiling < p.Base {
		ceiling = p.Base
	}

	d := float64(p.Base) * math.Exp2(float64(attempt))
	if math.IsInf(d, 0) || d > float64(ceiling) {
		d = float64(ceiling)
	}
	if j := math.Min(math.Max(p.Jitter, 0), 1); j > 0 {
		spread := d * j
		d += rand.Float64()*2*spread - spread //nolint:gosec // retry spacing only
	}
	return time.Duration(math.Max(d, 0))
}
