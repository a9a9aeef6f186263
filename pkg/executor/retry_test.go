package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oceanward/tidepool/pkg/config"
)

func TestPolicyFromConfigDefaults(t *testing.T) {
	p := PolicyFromConfig(config.ExecutorConfig{})
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Minute,
		Multiplier: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
}

func TestDelayCapped(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 10.0,
	}

	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestDelayJitterStaysInRange(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}

	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}
