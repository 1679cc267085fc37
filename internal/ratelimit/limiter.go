// Package ratelimit provides keyed fixed-window limiters.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/flowgate/internal/clock"
)

// Limiter manages rate limiting for multiple keys.
type Limiter struct {
	clock    clock.Clock
	limiters map[string]*bucket
	mu       sync.Mutex
}

// bucket refills to its limit once per interval.
type bucket struct {
	tokens   int
	limit    int
	interval time.Duration
	lastFill time.Time
	mu       sync.Mutex
}

// NewLimiter creates a limiter. A nil clock uses the wall clock.
func NewLimiter(c clock.Clock) *Limiter {
	return &Limiter{
		clock:    clock.Or(c),
		limiters: make(map[string]*bucket),
	}
}

func (l *Limiter) bucket(key string, limit int, interval time.Duration) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.limiters[key]
	if !ok {
		b = &bucket{
			tokens:   limit,
			limit:    limit,
			interval: interval,
			lastFill: l.clock.Now(),
		}
		l.limiters[key] = b
	}
	return b
}

// Allow reports whether one more event for key fits in limit per interval.
func (l *Limiter) Allow(key string, limit int, interval time.Duration) bool {
	return l.AllowN(key, limit, interval, 1)
}

// AllowN reports whether n more events for key fit, taking them if so.
func (l *Limiter) AllowN(key string, limit int, interval time.Duration, n int) bool {
	return l.bucket(key, limit, interval).take(l.clock.Now(), n)
}

func (b *bucket) take(now time.Time, n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastFill) >= b.interval {
		b.tokens = b.limit
		b.lastFill = now
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Reset clears the state for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// CleanupExpired drops buckets that have not refilled within maxAge and
// returns how many were removed.
func (l *Limiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for key, b := range l.limiters {
		b.mu.Lock()
		if now.Sub(b.lastFill) > maxAge {
			delete(l.limiters, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
