package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy controls the redelivery delay applied by the job substrate
// when a handler reports a recoverable failure. Distinct from the clients'
// in-call retry loop: this governs how long a job waits before the same
// stage is delivered again.
type BackoffPolicy struct {
	// InitialDelay is the delay before the first redelivery. Default: 5s.
	InitialDelay time.Duration

	// MaxDelay caps the redelivery delay. Default: 5m.
	MaxDelay time.Duration

	// Multiplier scales the delay per delivery attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = none, 0.5 = ±50%). Default: 0.2.
	JitterFraction float64
}

// DefaultBackoffPolicy returns the redelivery policy used by the queue
// substrate when none is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay:   5 * time.Second,
		MaxDelay:       5 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Delay computes the redelivery delay for the given zero-based delivery
// attempt. The delay grows with the attempt index and is capped at MaxDelay.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		jitterRange := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 5 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}
