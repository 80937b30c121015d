package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy_Delay_Grows(t *testing.T) {
	t.Parallel()

	p := BackoffPolicy{
		InitialDelay:   1 * time.Second,
		MaxDelay:       1 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0, // deterministic
	}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
}

func TestBackoffPolicy_Delay_Capped(t *testing.T) {
	t.Parallel()

	p := BackoffPolicy{
		InitialDelay:   10 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     3.0,
		JitterFraction: 0,
	}

	assert.Equal(t, 30*time.Second, p.Delay(5))
}

func TestBackoffPolicy_Delay_Jitter(t *testing.T) {
	t.Parallel()

	p := BackoffPolicy{
		InitialDelay:   1 * time.Second,
		MaxDelay:       1 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.5,
	}

	for range 50 {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 1*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestBackoffPolicy_Defaults(t *testing.T) {
	t.Parallel()

	var p BackoffPolicy
	d := p.Delay(0)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 6*time.Second) // 5s plus jitter
}
