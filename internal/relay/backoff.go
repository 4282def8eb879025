package relay

import (
	"context"
	"math/rand/v2"
	"time"
)

// backoffDelay returns the wait before retrying after a per-minute rate
// limit: exponential in the attempt number, capped at max, plus up to one
// second of jitter so concurrent requests do not retry in lockstep.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := time.Second << uint(min(attempt, 30))
	if base > max {
		base = max
	}
	jitter := time.Duration(rand.Int64N(int64(time.Second)))
	return base + jitter
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
