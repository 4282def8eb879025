package cache

import "errors"

// Common cache errors.
var (
	// ErrNotFound is returned when a key is not in the cache.
	ErrNotFound = errors.New("cache: key not found")

	// ErrClosed is returned when operating on a closed cache.
	ErrClosed = errors.New("cache: closed")
)
