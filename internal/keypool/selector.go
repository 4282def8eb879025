package keypool

import (
	"errors"
	"fmt"
)

// Selector errors.
var (
	ErrAllKeysExhausted = errors.New("keypool: all keys exhausted")
	ErrNoKeys           = errors.New("keypool: no keys configured")
)

// FallbackSelector picks among candidates when no scores are available
// (cold or empty score cache).
type FallbackSelector interface {
	// Select chooses one key from a non-empty candidate slice.
	Select(keys []*KeyMetadata) (*KeyMetadata, error)

	// Name returns the strategy name for logging and configuration.
	Name() string
}

// Fallback strategy constants for configuration.
const (
	StrategyRandom     = "random"
	StrategyRoundRobin = "round_robin"
)

// NewFallbackSelector returns the FallbackSelector for the strategy name.
// An empty strategy selects StrategyRandom.
func NewFallbackSelector(strategy string) (FallbackSelector, error) {
	switch strategy {
	case StrategyRandom, "":
		return NewRandomSelector(), nil
	case StrategyRoundRobin:
		return NewRoundRobinSelector(), nil
	default:
		return nil, fmt.Errorf("keypool: unknown strategy %q", strategy)
	}
}
