package uplink

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays as min(Max, Base*2^attempt), optionally
// widened by random jitter. It is a pure policy shared by the uplink
// supervisor (no jitter) and the pendant stream listeners (jittered), and
// is safe to copy.
type Backoff struct {
	// Base is the delay before the first retry (attempt 0).
	Base time.Duration
	// Max caps the exponential growth.
	Max time.Duration
	// MaxAttempts bounds consecutive failures before the caller must give
	// up. Zero means unlimited.
	MaxAttempts int
	// Jitter adds a random fraction [0, Jitter) of the computed delay,
	// spreading reconnect storms. Typical value 0.3.
	Jitter float64
}

// DefaultBackoff matches the supervisor defaults: 3s doubling to a 30s cap,
// ten attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: 3 * time.Second, Max: 30 * time.Second, MaxAttempts: 10}
}

// Delay returns the wait before retry number attempt (zero-based). The
// un-jittered value is monotonically non-decreasing and capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}

// Exhausted reports whether attempt failures have spent the retry budget.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
