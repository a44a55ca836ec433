package common

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces events to a rate that may be changed while waiters are
// blocked on it. An UpdateLimits call applies to the next reservation.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows rps events per second with bursts of up to burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until one event is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error { return rl.limiter.Wait(ctx) }

// UpdateLimits changes the rate and burst.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.limiter.SetBurst(burst)
	rl.limiter.SetLimit(rate.Limit(rps))
}

// Limit reports the current rate and burst.
func (rl *RateLimiter) Limit() (float64, int) {
	return float64(rl.limiter.Limit()), rl.limiter.Burst()
}
