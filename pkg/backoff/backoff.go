// Package backoff provides exponential retry delays with optional jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy controls the delay curve. The zero value uses defaults.
type Policy struct {
	Initial time.Duration // delay for the first retry (default: 100ms)
	Max     time.Duration // cap on any single delay (default: 5s)
	Jitter  bool          // randomize each delay in [delay/2, delay)
}

// Delay returns the delay before the given retry attempt.
// Attempt 1 returns Initial, attempt 2 returns 2*Initial, and so on,
// capped at Max. Attempts below 1 are treated as attempt 1.
func (p Policy) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	cap := p.Max
	if cap <= 0 {
		cap = 5 * time.Second
	}

	if attempt < 1 {
		attempt = 1
	}

	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(cap) {
		d = float64(cap)
	}

	delay := time.Duration(d)
	if p.Jitter && delay > 1 {
		delay = delay/2 + rand.N(delay/2)
	}
	return delay
}
