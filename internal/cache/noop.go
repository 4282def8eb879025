package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// noopCache is the disabled-mode cache: every Get misses, every Set succeeds
// without storing anything.
type noopCache struct {
	closed atomic.Bool
}

var _ Cache = (*noopCache)(nil)

func newNoopCache() *noopCache {
	return &noopCache{}
}

func (n *noopCache) Get(ctx context.Context, _ string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.closed.Load() {
		return nil, ErrClosed
	}
	return nil, ErrNotFound
}

func (n *noopCache) SetWithTTL(ctx context.Context, _ string, _ []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (n *noopCache) Delete(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (n *noopCache) Close() error {
	n.closed.Store(true)
	return nil
}
