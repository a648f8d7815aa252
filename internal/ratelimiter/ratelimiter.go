// Package ratelimiter wraps golang.org/x/time/rate with a token bucket
// tuned for the control plane.
//
// The control plane serves one local client at a time, so the limiter
// exists to blunt password-guessing loops against unlock operations
// rather than to shape throughput. A zero rate disables limiting.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter provides request rate limiting using the token bucket
// algorithm. All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter with the specified sustained rate and burst
// capacity.
//
// Parameters:
//   - requestsPerSecond: Maximum sustained rate (tokens added per second)
//   - burst: Maximum burst size (bucket capacity in tokens)
//
// A requestsPerSecond of 0 means unlimited.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = requestsPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow reports whether a request may proceed, consuming a token if so.
// This is the fast path; callers reject the request when it returns false.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
//
// Returns nil when a token was acquired, or the context error if the
// context ended first.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
