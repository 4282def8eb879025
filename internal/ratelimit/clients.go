package ratelimit

import "sync"

// ClientLimiters holds one limiter per authenticated credential, created
// lazily on first use.
type ClientLimiters struct {
	mu       sync.Mutex
	rpm      int
	limiters map[string]*TokenBucketLimiter
}

// NewClientLimiters creates the set with a shared per-client rpm.
func NewClientLimiters(rpm int) *ClientLimiters {
	return &ClientLimiters{
		rpm:      rpm,
		limiters: make(map[string]*TokenBucketLimiter),
	}
}

// Get returns the limiter for a credential, creating it on first sight.
func (c *ClientLimiters) Get(name string) Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[name]
	if !ok {
		l = NewTokenBucketLimiter(c.rpm)
		c.limiters[name] = l
	}
	return l
}

// SetLimit applies a new per-client rpm to existing and future limiters.
func (c *ClientLimiters) SetLimit(rpm int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rpm = rpm
	for _, l := range c.limiters {
		l.SetLimit(rpm)
	}
}
