package cache

import "fmt"

// Backend selects the cache implementation.
type Backend string

const (
	// BackendRistretto uses a local Ristretto cache (default).
	BackendRistretto Backend = "ristretto"

	// BackendDisabled disables caching; every lookup misses.
	BackendDisabled Backend = "disabled"
)

// Config defines cache configuration.
type Config struct {
	Backend   Backend         `yaml:"backend" toml:"backend"`
	Ristretto RistrettoConfig `yaml:"ristretto" toml:"ristretto"`
}

// RistrettoConfig configures the Ristretto local cache.
type RistrettoConfig struct {
	// NumCounters is the number of 4-bit access counters.
	// Recommended: 10x expected max items. Default: 100_000.
	NumCounters int64 `yaml:"num_counters" toml:"num_counters"`

	// MaxCost is the maximum total bytes of cached values. Default: 32 MB.
	MaxCost int64 `yaml:"max_cost" toml:"max_cost"`

	// BufferItems is the admission buffer size. Default: 64.
	BufferItems int64 `yaml:"buffer_items" toml:"buffer_items"`
}

// GetBackend returns the backend with the default fallback.
func (c *Config) GetBackend() Backend {
	if c.Backend == "" {
		return BackendRistretto
	}
	return c.Backend
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.GetBackend() {
	case BackendRistretto, BackendDisabled:
		return nil
	default:
		return fmt.Errorf("cache: unknown backend %q", c.Backend)
	}
}
