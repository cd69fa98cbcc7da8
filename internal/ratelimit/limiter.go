// Package ratelimit keeps one token bucket per client.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages rate limits for many clients
type Limiter struct {
	limiters map[string]*client
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a new rate limiter
// requestsPerHour: sustained requests allowed per hour per client
// burst: max requests in a burst
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		limiters: make(map[string]*client),
		rate:     r,
		burst:    burst,
		perHour:  requestsPerHour,
	}
}

// PerHour is the configured sustained rate.
func (l *Limiter) PerHour() int {
	return l.perHour
}

// GetLimiter returns the bucket for key, creating it on first use
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.limiters[key]
	if !exists {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = c
	}
	c.lastSeen = time.Now()

	return c.limiter
}

// Allow checks if a request is allowed for key
func (l *Limiter) Allow(key string) bool {
	return l.GetLimiter(key).Allow()
}

// Tokens returns the tokens currently available to key
func (l *Limiter) Tokens(key string) float64 {
	return l.GetLimiter(key).Tokens()
}

// Prune forgets clients not seen for idle and returns how many were dropped.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	dropped := 0
	for key, c := range l.limiters {
		if c.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			dropped++
		}
	}
	return dropped
}
