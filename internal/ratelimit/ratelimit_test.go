package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/titanlabs/titan/internal/config"
)

func TestLimiterGatesTenantOnOvershoot(t *testing.T) {
	l := New(config.RateLimitConfig{
		PerSecond:  1,
		Burst:      2,
		GateWindow: 30 * time.Second,
	}, zerolog.Nop())

	t0 := time.Now()
	assert.True(t, l.Allow("prod", t0))
	assert.True(t, l.Allow("prod", t0))

	// Burst spent: the third call opens the gate.
	assert.False(t, l.Allow("prod", t0))
	until, gated := l.GatedUntil("prod", t0)
	assert.True(t, gated)
	assert.Equal(t, t0.Add(30*time.Second), until)

	// The bucket would have refilled, but the gate holds.
	assert.False(t, l.Allow("prod", t0.Add(5*time.Second)))

	// Other tenants are unaffected.
	assert.True(t, l.Allow("staging", t0.Add(5*time.Second)))

	// Past the window the refilled bucket admits again.
	assert.True(t, l.Allow("prod", t0.Add(31*time.Second)))
	_, gated = l.GatedUntil("prod", t0.Add(31*time.Second))
	assert.False(t, gated)
}

func TestLimiterRefillsAtConfiguredRate(t *testing.T) {
	l := New(config.RateLimitConfig{
		PerSecond:  2,
		Burst:      1,
		GateWindow: time.Second,
	}, zerolog.Nop())

	t0 := time.Now()
	assert.True(t, l.Allow("prod", t0))
	assert.False(t, l.Allow("prod", t0))

	// Gate lapses after a second; at 2/s the bucket holds a token again.
	assert.True(t, l.Allow("prod", t0.Add(1500*time.Millisecond)))
}
