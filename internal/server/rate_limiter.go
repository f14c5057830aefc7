// Package server implements a token bucket rate limiter for per-connection
// throttling of inbound lines.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter allows capacity lines per interval, with bursts of up to
// capacity lines.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	limit := rate.Limit(float64(capacity) / interval.Seconds())
	return &rateLimiter{limiter: rate.NewLimiter(limit, capacity)}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
