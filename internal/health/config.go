// Package health provides a circuit breaker guarding the upstream Gemini API.
package health

import "time"

// Defaults for the circuit breaker.
const (
	DefaultFailureThreshold = 5
	DefaultOpenSeconds      = 30
	DefaultHalfOpenProbes   = 2
)

// Config holds circuit breaker settings. Circuits are tracked per model so an
// outage of one model does not trip requests for others.
type Config struct {
	// Enabled turns the breaker on. Default off.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`

	// OpenSeconds is how long an open circuit stays open before probing.
	OpenSeconds int `yaml:"open_seconds" toml:"open_seconds"`

	// HalfOpenProbes is the number of probe requests allowed while half-open.
	HalfOpenProbes int `yaml:"half_open_probes" toml:"half_open_probes"`
}

// GetFailureThreshold returns the failure threshold with the default fallback.
func (c *Config) GetFailureThreshold() int {
	if c.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return c.FailureThreshold
}

// GetOpenDuration returns the open-state duration.
func (c *Config) GetOpenDuration() time.Duration {
	if c.OpenSeconds <= 0 {
		return DefaultOpenSeconds * time.Second
	}
	return time.Duration(c.OpenSeconds) * time.Second
}

// GetHalfOpenProbes returns the half-open probe count with the default fallback.
func (c *Config) GetHalfOpenProbes() int {
	if c.HalfOpenProbes <= 0 {
		return DefaultHalfOpenProbes
	}
	return c.HalfOpenProbes
}
