package proxy

import (
	"fmt"
	"time"

	"github.com/omarluq/gem-relay/internal/config"
	"github.com/omarluq/gem-relay/internal/keypool"
)

// PoolKeyConfigs converts resolved config keys into registry entries,
// parsing the optional RFC3339 expiry.
func PoolKeyConfigs(cfgs []config.KeyConfig) ([]keypool.KeyConfig, error) {
	out := make([]keypool.KeyConfig, 0, len(cfgs))
	for _, c := range cfgs {
		var expiresAt time.Time
		if c.ExpiresAt != "" {
			parsed, err := time.Parse(time.RFC3339, c.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("proxy: key expiry %q: %w", c.ExpiresAt, err)
			}
			expiresAt = parsed
		}
		out = append(out, keypool.KeyConfig{APIKey: c.Key, ExpiresAt: expiresAt})
	}
	return out, nil
}
