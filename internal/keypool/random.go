package keypool

// RandomSelector picks a uniformly random candidate.
type RandomSelector struct{}

// NewRandomSelector creates a new random selector.
func NewRandomSelector() *RandomSelector {
	return &RandomSelector{}
}

// Select picks a random key from the candidates.
func (s *RandomSelector) Select(keys []*KeyMetadata) (*KeyMetadata, error) {
	if len(keys) == 0 {
		return nil, ErrAllKeysExhausted
	}
	return keys[randIntn(len(keys))], nil
}

// Name returns the strategy name.
func (s *RandomSelector) Name() string {
	return StrategyRandom
}
