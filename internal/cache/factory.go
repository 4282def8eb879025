package cache

// New creates a Cache for the configured backend.
func New(cfg Config) (Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.GetBackend() {
	case BackendDisabled:
		return newNoopCache(), nil
	case BackendRistretto:
		return newRistrettoCache(cfg.Ristretto)
	default:
		// Validate covers this; unreachable in practice.
		return newNoopCache(), nil
	}
}
