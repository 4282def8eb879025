package keypool

import "sync/atomic"

// RoundRobinSelector cycles through candidates in order.
// Uses an atomic counter instead of a mutex.
type RoundRobinSelector struct {
	index uint64
}

// NewRoundRobinSelector creates a new round-robin selector.
func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{}
}

// Select picks the next key in rotation.
func (s *RoundRobinSelector) Select(keys []*KeyMetadata) (*KeyMetadata, error) {
	if len(keys) == 0 {
		return nil, ErrAllKeysExhausted
	}

	next := atomic.AddUint64(&s.index, 1) - 1
	//nolint:gosec // modulo keeps the result within int range
	return keys[int(next%uint64(len(keys)))], nil
}

// Name returns the strategy name.
func (s *RoundRobinSelector) Name() string {
	return StrategyRoundRobin
}
