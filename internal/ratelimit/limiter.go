// Package ratelimit throttles inbound client traffic, one limiter per
// authenticated credential. Upstream key quotas live in internal/usage; this
// package only protects the relay itself from a noisy client.
package ratelimit

import (
	"context"
	"errors"
)

// ErrRateLimitExceeded is returned when a client exceeds its request rate.
var ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

// Usage is a limiter's current window state.
type Usage struct {
	RequestsUsed      int `json:"requests_used"`
	RequestsLimit     int `json:"requests_limit"`
	RequestsRemaining int `json:"requests_remaining"`
}

// Limiter is a per-client request throttle. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow reports whether a request may proceed right now.
	Allow(ctx context.Context) bool

	// SetLimit updates the per-minute limit. Zero or negative means
	// unlimited.
	SetLimit(rpm int)

	// GetUsage returns the current window state.
	GetUsage() Usage
}
