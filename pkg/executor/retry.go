package executor

import (
	"math"
	"math/rand"
	"time"

	"github.com/oceanward/tidepool/pkg/config"
)

// RetryPolicy computes exponential backoff delays with jitter.
type RetryPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// PolicyFromConfig builds a retry policy from executor configuration,
// filling in safe defaults for unset values.
func PolicyFromConfig(cfg config.ExecutorConfig) RetryPolicy {
	p := RetryPolicy{
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
		JitterFactor: cfg.JitterFactor,
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the backoff delay before retry number attempt (0-based).
// The delay grows as base * multiplier^attempt, capped at MaxDelay, then
// randomized by ±JitterFactor to avoid synchronized retry storms.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		delta := delay * p.JitterFactor
		delay = delay - delta + rand.Float64()*2*delta
	}

	return time.Duration(delay)
}
