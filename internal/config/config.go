// Package config provides configuration loading and parsing for gem-relay.
package config

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/omarluq/gem-relay/internal/cache"
	"github.com/omarluq/gem-relay/internal/health"
)

// Log level constants.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Default tunables. These are policy constants, not contracts; override in config.
const (
	DefaultScoreRefreshSeconds = 300
	DefaultWindowSeconds       = 60
	DefaultCooldownSeconds     = 60
	DefaultMaxBackoffSeconds   = 60
	DefaultNearBestBand        = 0.95
	DefaultUpstreamTimeoutSecs = 300
	DefaultUpstreamBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
)

// RuntimeConfig is the read interface components hold instead of a raw *Config,
// so hot-reload swaps are observed on the next operation.
type RuntimeConfig interface {
	Get() *Config
}

// Config represents the complete gem-relay configuration.
type Config struct {
	Server    ServerConfig                `yaml:"server" toml:"server"`
	Logging   LoggingConfig               `yaml:"logging" toml:"logging"`
	Upstream  UpstreamConfig              `yaml:"upstream" toml:"upstream"`
	Keys      KeysConfig                  `yaml:"keys" toml:"keys"`
	Models    map[string]ModelLimitConfig `yaml:"models" toml:"models"`
	Selection SelectionConfig             `yaml:"selection" toml:"selection"`
	Retry     RetryConfig                 `yaml:"retry" toml:"retry"`
	Breaker   health.Config               `yaml:"breaker" toml:"breaker"`
	Context   ContextConfig               `yaml:"context" toml:"context"`
	Report    ReportConfig                `yaml:"report" toml:"report"`
}

// ServerConfig defines the inbound HTTP listener and client-facing policies.
type ServerConfig struct {
	// Listen is the bind address, e.g. "127.0.0.1:8790".
	Listen string `yaml:"listen" toml:"listen"`

	// Auth configures proxy-client authentication.
	Auth AuthConfig `yaml:"auth" toml:"auth"`

	// ClientRPM caps requests per minute per proxy credential (0 = unlimited).
	ClientRPM int `yaml:"client_rpm" toml:"client_rpm"`

	// Aliases maps public model aliases to upstream Gemini model names.
	// Example: {"gpt-4o": "gemini-2.5-pro"}
	Aliases map[string]string `yaml:"aliases" toml:"aliases"`

	// HTTP2 enables h2c (HTTP/2 cleartext) on the listener.
	HTTP2 bool `yaml:"http2" toml:"http2"`

	// MaxBodyBytes caps inbound request body size (0 = unlimited).
	MaxBodyBytes int64 `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// CredentialConfig is one named proxy-client credential.
// The name keys conversation context and appears in logs; the key never does.
type CredentialConfig struct {
	Name string `yaml:"name" toml:"name"`
	Key  string `yaml:"key" toml:"key"`
}

// AuthConfig configures how proxy clients authenticate to the relay.
type AuthConfig struct {
	// Credentials accepted in the x-api-key header.
	Credentials []CredentialConfig `yaml:"credentials" toml:"credentials"`

	// BearerSecret, when set, is accepted as "Authorization: Bearer <secret>".
	BearerSecret string `yaml:"bearer_secret" toml:"bearer_secret"`

	// AdminSecret guards the /relay/keys admin endpoints.
	AdminSecret string `yaml:"admin_secret" toml:"admin_secret"`
}

// IsEnabled reports whether any client authentication is configured.
func (a *AuthConfig) IsEnabled() bool {
	return len(a.Credentials) > 0 || a.BearerSecret != ""
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level" toml:"level"`

	// Format is one of json, pretty, console. Default: console (auto-detect tty).
	Format string `yaml:"format" toml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `yaml:"output" toml:"output"`
}

// ParseLevel converts Level into a zerolog level, defaulting to info.
func (l *LoggingConfig) ParseLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || l.Level == "" {
		return zerolog.InfoLevel
	}
	return level
}

// UpstreamConfig points at the Gemini API.
type UpstreamConfig struct {
	// BaseURL of the Gemini REST API. Default: the public v1beta endpoint.
	BaseURL string `yaml:"base_url" toml:"base_url"`

	// TimeoutSeconds is the outbound call timeout. Long generations need
	// minutes, so the default is 300.
	TimeoutSeconds int `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// GetBaseURL returns BaseURL with the default fallback.
func (u *UpstreamConfig) GetBaseURL() string {
	if u.BaseURL == "" {
		return DefaultUpstreamBaseURL
	}
	return u.BaseURL
}

// GetTimeout returns the outbound call timeout as a duration.
func (u *UpstreamConfig) GetTimeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return DefaultUpstreamTimeoutSecs * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// KeyConfig is one upstream Gemini API key.
type KeyConfig struct {
	// Key is the API key secret.
	Key string `yaml:"key" toml:"key"`

	// ExpiresAt is an optional RFC3339 expiry; empty means never.
	ExpiresAt string `yaml:"expires_at" toml:"expires_at"`
}

// KeysConfig defines where upstream API keys come from.
// Inline keys, an environment variable, and a file may be combined.
type KeysConfig struct {
	// Inline keys.
	Keys []KeyConfig `yaml:"keys" toml:"keys"`

	// EnvVar names an environment variable holding comma-separated keys.
	EnvVar string `yaml:"env_var" toml:"env_var"`

	// File is a path to a file with one key per line ("#" comments allowed).
	File string `yaml:"file" toml:"file"`
}

// ModelLimitConfig holds the per-model rate limits. A nil field means the
// dimension is unconstrained.
type ModelLimitConfig struct {
	RPM      *int `yaml:"rpm" toml:"rpm"`
	RPD      *int `yaml:"rpd" toml:"rpd"`
	TPMInput *int `yaml:"tpm_input" toml:"tpm_input"`
	TPDInput *int `yaml:"tpd_input" toml:"tpd_input"`
}

// GetRPM returns the RPM limit as an Option.
func (m *ModelLimitConfig) GetRPM() mo.Option[int] { return optFromPtr(m.RPM) }

// GetRPD returns the RPD limit as an Option.
func (m *ModelLimitConfig) GetRPD() mo.Option[int] { return optFromPtr(m.RPD) }

// GetTPMInput returns the input-TPM limit as an Option.
func (m *ModelLimitConfig) GetTPMInput() mo.Option[int] { return optFromPtr(m.TPMInput) }

// GetTPDInput returns the input-TPD limit as an Option.
func (m *ModelLimitConfig) GetTPDInput() mo.Option[int] { return optFromPtr(m.TPDInput) }

func optFromPtr(p *int) mo.Option[int] {
	if p == nil {
		return mo.None[int]()
	}
	return mo.Some(*p)
}

// SelectionConfig tunes key scoring and selection.
type SelectionConfig struct {
	// Strategy used when no scores are available: "random" (default) or "round_robin".
	FallbackStrategy string `yaml:"fallback_strategy" toml:"fallback_strategy"`

	// RefreshSeconds is the score cache refresh interval. Default 300.
	RefreshSeconds int `yaml:"refresh_seconds" toml:"refresh_seconds"`

	// WindowSeconds is the RPM/TPM window length. Default 60.
	WindowSeconds int `yaml:"window_seconds" toml:"window_seconds"`

	// NearBestBand is the fraction of the max score that still counts as
	// "near best" for fairness rotation. Default 0.95.
	NearBestBand float64 `yaml:"near_best_band" toml:"near_best_band"`
}

// GetRefreshInterval returns the score refresh interval as a duration.
func (s *SelectionConfig) GetRefreshInterval() time.Duration {
	if s.RefreshSeconds <= 0 {
		return DefaultScoreRefreshSeconds * time.Second
	}
	return time.Duration(s.RefreshSeconds) * time.Second
}

// GetWindow returns the RPM/TPM window length as a duration.
func (s *SelectionConfig) GetWindow() time.Duration {
	if s.WindowSeconds <= 0 {
		return DefaultWindowSeconds * time.Second
	}
	return time.Duration(s.WindowSeconds) * time.Second
}

// GetNearBestBand returns the near-best band with the default fallback.
func (s *SelectionConfig) GetNearBestBand() float64 {
	if s.NearBestBand <= 0 || s.NearBestBand > 1 {
		return DefaultNearBestBand
	}
	return s.NearBestBand
}

// RetryConfig tunes the attempt loop.
type RetryConfig struct {
	// MaxBackoffSeconds caps the per-minute-quota backoff. Default 60.
	MaxBackoffSeconds int `yaml:"max_backoff_seconds" toml:"max_backoff_seconds"`

	// CooldownSeconds is the temporary-unavailable quarantine after a
	// transient upstream failure. Default 60.
	CooldownSeconds int `yaml:"cooldown_seconds" toml:"cooldown_seconds"`
}

// GetMaxBackoff returns the backoff cap as a duration.
func (r *RetryConfig) GetMaxBackoff() time.Duration {
	if r.MaxBackoffSeconds <= 0 {
		return DefaultMaxBackoffSeconds * time.Second
	}
	return time.Duration(r.MaxBackoffSeconds) * time.Second
}

// GetCooldown returns the transient-failure cooldown as a duration.
func (r *RetryConfig) GetCooldown() time.Duration {
	if r.CooldownSeconds <= 0 {
		return DefaultCooldownSeconds * time.Second
	}
	return time.Duration(r.CooldownSeconds) * time.Second
}

// ContextConfig configures the per-user conversation context store.
type ContextConfig struct {
	// Enabled turns context persistence on.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path" toml:"path"`

	// TTLHours prunes conversations idle longer than this. Default 72.
	TTLHours int `yaml:"ttl_hours" toml:"ttl_hours"`

	// MaxTurns truncates loaded history to the most recent N messages. Default 40.
	MaxTurns int `yaml:"max_turns" toml:"max_turns"`

	// Cache configures the read cache in front of SQLite.
	Cache cache.Config `yaml:"cache" toml:"cache"`
}

// GetTTL returns the conversation TTL as a duration.
func (c *ContextConfig) GetTTL() time.Duration {
	if c.TTLHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.TTLHours) * time.Hour
}

// GetMaxTurns returns the history truncation bound.
func (c *ContextConfig) GetMaxTurns() int {
	if c.MaxTurns <= 0 {
		return 40
	}
	return c.MaxTurns
}

// ReportConfig tunes the usage reporter.
type ReportConfig struct {
	// IntervalMinutes between textual usage reports (0 disables).
	IntervalMinutes int `yaml:"interval_minutes" toml:"interval_minutes"`

	// DiagnosticsPerMinute caps selection-reason diagnostic events. Default 120.
	DiagnosticsPerMinute int `yaml:"diagnostics_per_minute" toml:"diagnostics_per_minute"`
}

// GetInterval returns the report interval (zero means disabled).
func (r *ReportConfig) GetInterval() time.Duration {
	if r.IntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// GetDiagnosticsRate returns the diagnostic event cap per minute.
func (r *ReportConfig) GetDiagnosticsRate() int64 {
	if r.DiagnosticsPerMinute <= 0 {
		return 120
	}
	return int64(r.DiagnosticsPerMinute)
}

// LimitsFor looks up the configured limits for a model.
// The second return is false when the model has no limits entry at all,
// which callers treat as fully unconstrained.
func (c *Config) LimitsFor(model string) (ModelLimitConfig, bool) {
	m, ok := c.Models[model]
	return m, ok
}
