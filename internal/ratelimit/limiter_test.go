package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/flowgate/internal/clock"
)

func newLimiter() (*Limiter, *clock.MockClock) {
	c := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewLimiter(c), c
}

func TestLimiter_Allow_Basic(t *testing.T) {
	l, _ := newLimiter()
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("k", 3, time.Minute), "request %d", i+1)
	}
	assert.False(t, l.Allow("k", 3, time.Minute))
}

func TestLimiter_Allow_DifferentKeys(t *testing.T) {
	l, _ := newLimiter()
	for i := 0; i < 2; i++ {
		assert.True(t, l.Allow("key1", 2, time.Minute))
		assert.True(t, l.Allow("key2", 2, time.Minute))
	}
	assert.False(t, l.Allow("key1", 2, time.Minute))
	assert.False(t, l.Allow("key2", 2, time.Minute))
}

func TestLimiter_Allow_Refill(t *testing.T) {
	l, c := newLimiter()
	assert.True(t, l.Allow("k", 1, time.Minute))
	assert.False(t, l.Allow("k", 1, time.Minute))

	c.Advance(59 * time.Second)
	assert.False(t, l.Allow("k", 1, time.Minute))
	c.Advance(time.Second)
	assert.True(t, l.Allow("k", 1, time.Minute))
}

func TestLimiter_AllowN(t *testing.T) {
	l, _ := newLimiter()
	assert.True(t, l.AllowN("k", 5, time.Minute, 3))
	assert.False(t, l.AllowN("k", 5, time.Minute, 3))
	assert.True(t, l.AllowN("k", 5, time.Minute, 2))
}

func TestLimiter_ResetAndCleanup(t *testing.T) {
	l, c := newLimiter()
	l.Allow("a", 1, time.Minute)
	assert.False(t, l.Allow("a", 1, time.Minute))
	l.Reset("a")
	assert.True(t, l.Allow("a", 1, time.Minute))

	l.Allow("b", 1, time.Minute)
	assert.Equal(t, 2, l.Len())
	c.Advance(2 * time.Hour)
	assert.Equal(t, 2, l.CleanupExpired(time.Hour))
	assert.Zero(t, l.Len())
}
