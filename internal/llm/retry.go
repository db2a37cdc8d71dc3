package llm

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryStrategy selects how the delay grows between attempts.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
	RetryJitter      RetryStrategy = "jitter"
)

// RetryConfig bounds retries of transient provider errors. MaxRetries
// counts attempts after the first one.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Strategy   RetryStrategy
}

// DefaultRetryConfig returns 3 retries, 1s base, 60s cap, exponential.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Strategy:   RetryExponential,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	return c
}

// Delay returns the wait before retry number attempt (0-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	c = c.normalized()
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	switch c.Strategy {
	case RetryFixed:
		d = c.BaseDelay
	default:
		d = c.BaseDelay
		for i := 0; i < attempt && d < c.MaxDelay; i++ {
			d *= 2
		}
	}
	if c.Strategy == RetryJitter {
		d += time.Duration(rand.Float64() * 0.5 * float64(d))
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
