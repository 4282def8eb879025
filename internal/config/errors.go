package config

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	// ErrNoListenAddr is returned when server.listen is empty.
	ErrNoListenAddr = errors.New("config: server.listen is required")

	// ErrWatcherClosed is returned when an operation is attempted on a closed watcher.
	ErrWatcherClosed = errors.New("config: watcher already closed")
)

// InvalidLimitError is returned when a per-model limit is negative.
type InvalidLimitError struct {
	Model     string
	Dimension string
	Value     int
}

func (e InvalidLimitError) Error() string {
	return fmt.Sprintf("config: model %s: %s must be >= 0, got %d", e.Model, e.Dimension, e.Value)
}

// InvalidBandError is returned when near_best_band is outside (0, 1].
type InvalidBandError struct {
	Band float64
}

func (e InvalidBandError) Error() string {
	return fmt.Sprintf("config: near_best_band must be in (0, 1], got %g", e.Band)
}
