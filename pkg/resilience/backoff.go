package resilience

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultBaseDelay is the delay before the second attempt.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps every computed delay.
	DefaultMaxDelay = 30 * time.Second
	// DefaultJitter is the upper bound (exclusive) of the random jitter fraction.
	DefaultJitter = 0.1
)

// Backoff computes exponential delays with proportional jitter.
// The zero value uses the defaults above.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// random returns a value in [0,1). Tests pin it.
	random func() float64
}

func (b Backoff) normalize() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDelay
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter <= 0 {
		b.Jitter = DefaultJitter
	}
	if b.random == nil {
		b.random = rand.Float64
	}
	return b
}

// Delay returns min(base * 2^(attempt-1) * (1+j), max) with j drawn uniformly
// from [0, Jitter). attempt is 1-based; values below 1 are treated as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalize()
	raw := ExponentialDelay(attempt, b.Base, b.Max)
	if raw >= b.Max {
		return b.Max
	}
	jittered := time.Duration(float64(raw) * (1 + b.random()*b.Jitter))
	if jittered > b.Max {
		return b.Max
	}
	return jittered
}

// ExponentialDelay returns base * 2^(attempt-1) capped at max, without jitter.
func ExponentialDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
