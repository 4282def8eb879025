// Package cache provides the read cache sitting in front of the conversation
// context store.
//
// Two backends are supported:
//   - Ristretto: high-performance local in-memory cache (default)
//   - Noop: passthrough when caching is disabled
//
// All implementations are safe for concurrent use.
package cache

import (
	"context"
	"time"
)

// Cache defines the interface for cache operations.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL stores a value with a time-to-live.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Close releases cache resources. After Close, operations return ErrClosed.
	Close() error
}

// Stats provides cache statistics for the stats endpoint.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// StatsProvider is an optional interface for caches exposing statistics.
type StatsProvider interface {
	Stats() Stats
}
