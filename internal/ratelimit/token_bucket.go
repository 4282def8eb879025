package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const unlimitedRate = 1_000_000

// TokenBucketLimiter implements Limiter on golang.org/x/time/rate. Burst
// equals the limit so a client can spend a full minute's allowance at once
// and then refills gradually, avoiding fixed-window boundary bursts.
type TokenBucketLimiter struct {
	mu       sync.RWMutex
	limiter  *rate.Limiter
	rpmLimit int
}

// NewTokenBucketLimiter creates a limiter allowing rpm requests per minute.
// Zero or negative rpm means effectively unlimited.
func NewTokenBucketLimiter(rpm int) *TokenBucketLimiter {
	if rpm <= 0 {
		rpm = unlimitedRate
	}
	return &TokenBucketLimiter{
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		rpmLimit: rpm,
	}
}

// Allow reports whether a request may proceed, consuming one slot if so.
func (l *TokenBucketLimiter) Allow(_ context.Context) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter.Allow()
}

// SetLimit replaces the limiter with one at the new rate. Accumulated burst
// state is reset, which is acceptable for a config reload.
func (l *TokenBucketLimiter) SetLimit(rpm int) {
	if rpm <= 0 {
		rpm = unlimitedRate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	l.rpmLimit = rpm
}

// GetUsage approximates window state from the bucket's remaining tokens.
func (l *TokenBucketLimiter) GetUsage() Usage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	remaining := int(l.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	if remaining > l.rpmLimit {
		remaining = l.rpmLimit
	}

	return Usage{
		RequestsUsed:      l.rpmLimit - remaining,
		RequestsLimit:     l.rpmLimit,
		RequestsRemaining: remaining,
	}
}
