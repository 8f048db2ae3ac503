// Package ratelimit spaces outbound requests to the Bilibili API.
//
// The upstream is a shared third party: no matter how many tasks come due
// in one tick, consecutive request starts must be at least one interval
// apart, globally.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out one permit per interval to concurrent callers.
type Limiter struct {
	limiter *rate.Limiter
}

// NewInterval creates a limiter that releases one permit every interval.
// A non-positive interval disables limiting.
func NewInterval(interval time.Duration) *Limiter {
	if interval <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	// Burst 1: permits are never stockpiled, so two grants are always at
	// least one interval apart.
	return &Limiter{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until a permit is granted or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a permit is available right now, without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
