package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for structural problems.
// It returns the first error found; zero values that have defaults are fine.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return ErrNoListenAddr
	}

	if c.Selection.NearBestBand != 0 {
		if c.Selection.NearBestBand <= 0 || c.Selection.NearBestBand > 1 {
			return InvalidBandError{Band: c.Selection.NearBestBand}
		}
	}

	if c.Upstream.BaseURL != "" {
		if _, err := url.Parse(c.Upstream.BaseURL); err != nil {
			return fmt.Errorf("config: invalid upstream base_url: %w", err)
		}
	}

	for model, limits := range c.Models {
		if err := validateLimits(model, limits); err != nil {
			return err
		}
	}

	for i, cred := range c.Server.Auth.Credentials {
		if cred.Key == "" {
			return fmt.Errorf("config: auth credential %d has an empty key", i)
		}
	}

	if c.Context.Enabled && c.Context.Path == "" {
		return fmt.Errorf("config: context.path is required when context is enabled")
	}

	return nil
}

func validateLimits(model string, limits ModelLimitConfig) error {
	dims := []struct {
		name string
		val  *int
	}{
		{"rpm", limits.RPM},
		{"rpd", limits.RPD},
		{"tpm_input", limits.TPMInput},
		{"tpd_input", limits.TPDInput},
	}
	for _, d := range dims {
		if d.val != nil && *d.val < 0 {
			return InvalidLimitError{Model: model, Dimension: d.name, Value: *d.val}
		}
	}
	return nil
}
