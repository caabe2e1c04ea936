package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurst(t *testing.T) {
	l := NewLimiter(1, 3)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
	assert.False(t, l.AllowN(2))
}

func TestOriginThrottle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	th := NewOriginThrottle(3*time.Second, WithClock(func() time.Time { return now }))
	defer th.Stop()

	assert.True(t, th.Allow("10.0.0.1"))
	now = now.Add(500 * time.Millisecond)
	assert.False(t, th.Allow("10.0.0.1"))
	assert.True(t, th.Allow("10.0.0.2"), "origins are throttled independently")

	now = now.Add(4 * time.Second)
	assert.True(t, th.Allow("10.0.0.1"))
}

func TestOriginThrottleDisabled(t *testing.T) {
	th := NewOriginThrottle(0)
	defer th.Stop()
	assert.True(t, th.Allow("a"))
	assert.True(t, th.Allow("a"))
}
