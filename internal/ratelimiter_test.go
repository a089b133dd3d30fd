package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(2, time.Second)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"), "keys are independent")

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, limiter.Allow("a"))
}

func TestRateLimiterPruneAndForget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(1, time.Second)
	limiter.now = func() time.Time { return now }

	limiter.Allow("a")
	limiter.Allow("b")
	limiter.Forget("a")
	assert.True(t, limiter.Allow("a"))

	now = now.Add(2 * time.Second)
	limiter.Prune()
	limiter.mu.Lock()
	assert.Empty(t, limiter.hits)
	limiter.mu.Unlock()
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow("a"))
	}
	var nilLimiter *RateLimiter
	assert.True(t, nilLimiter.Allow("a"))
}
