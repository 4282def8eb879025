package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
server:
  listen: "127.0.0.1:8790"
  client_rpm: 120
  max_body_bytes: 1048576
  aliases:
    gpt-4o: gemini-2.5-pro
  auth:
    credentials:
      - name: alice
        key: key-alice
    bearer_secret: shared
logging:
  level: debug
  format: json
upstream:
  base_url: "https://example.test/v1beta"
  timeout_seconds: 120
keys:
  keys:
    - key: secret-one
    - key: secret-two
      expires_at: "2027-01-01T00:00:00Z"
models:
  gemini-2.5-pro:
    rpm: 5
    rpd: 100
    tpm_input: 250000
    tpd_input: 1000000
selection:
  fallback_strategy: round_robin
  refresh_seconds: 60
  near_best_band: 0.9
retry:
  max_backoff_seconds: 30
  cooldown_seconds: 45
breaker:
  enabled: true
  failure_threshold: 4
context:
  enabled: true
  path: /tmp/contexts.db
  ttl_hours: 24
  max_turns: 10
report:
  interval_minutes: 15
`

func TestLoadYAML(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(yamlConfig), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8790", cfg.Server.Listen)
	assert.Equal(t, 120, cfg.Server.ClientRPM)
	assert.Equal(t, int64(1048576), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "gemini-2.5-pro", cfg.Server.Aliases["gpt-4o"])
	assert.True(t, cfg.Server.Auth.IsEnabled())
	assert.Equal(t, "alice", cfg.Server.Auth.Credentials[0].Name)

	assert.Equal(t, zerolog.DebugLevel, cfg.Logging.ParseLevel())
	assert.Equal(t, "https://example.test/v1beta", cfg.Upstream.GetBaseURL())
	assert.Equal(t, 2*time.Minute, cfg.Upstream.GetTimeout())

	require.Len(t, cfg.Keys.Keys, 2)
	assert.Equal(t, "2027-01-01T00:00:00Z", cfg.Keys.Keys[1].ExpiresAt)

	limits, ok := cfg.LimitsFor("gemini-2.5-pro")
	require.True(t, ok)
	assert.Equal(t, 5, limits.GetRPM().MustGet())
	assert.Equal(t, 100, limits.GetRPD().MustGet())

	assert.Equal(t, "round_robin", cfg.Selection.FallbackStrategy)
	assert.Equal(t, time.Minute, cfg.Selection.GetRefreshInterval())
	assert.Equal(t, 0.9, cfg.Selection.GetNearBestBand())

	assert.Equal(t, 30*time.Second, cfg.Retry.GetMaxBackoff())
	assert.Equal(t, 45*time.Second, cfg.Retry.GetCooldown())

	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, 4, cfg.Breaker.GetFailureThreshold())

	assert.True(t, cfg.Context.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Context.GetTTL())
	assert.Equal(t, 10, cfg.Context.GetMaxTurns())

	assert.Equal(t, 15*time.Minute, cfg.Report.GetInterval())
}

func TestLoadTOML(t *testing.T) {
	toml := `
[server]
listen = "127.0.0.1:8790"

[[keys.keys]]
key = "secret-one"

[models."gemini-2.5-flash"]
rpm = 10
`
	cfg, err := LoadFromReader(strings.NewReader(toml), FormatTOML)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8790", cfg.Server.Listen)
	require.Len(t, cfg.Keys.Keys, 1)

	limits, ok := cfg.LimitsFor("gemini-2.5-flash")
	require.True(t, ok)
	assert.Equal(t, 10, limits.GetRPM().MustGet())
	assert.True(t, limits.GetRPD().IsAbsent())
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("GEM_RELAY_TEST_KEY", "from-env")

	cfg, err := LoadFromReader(strings.NewReader(`
server:
  listen: "127.0.0.1:8790"
keys:
  keys:
    - key: ${GEM_RELAY_TEST_KEY}
`), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Keys.Keys[0].Key)
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("server:\n  listen: \":1\"\n"), 0o600))
	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, ":1", cfg.Server.Listen)

	tomlPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("[server]\nlisten = \":2\"\n"), 0o600))
	cfg, err = Load(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, ":2", cfg.Server.Listen)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestKeysResolve(t *testing.T) {
	t.Run("combines inline, env, and file sources", func(t *testing.T) {
		keyFile := filepath.Join(t.TempDir(), "keys.txt")
		require.NoError(t, os.WriteFile(keyFile, []byte("# comment\nfile-key-1\n\nfile-key-2\n"), 0o600))
		t.Setenv("GEM_RELAY_KEYS", "env-key-1, env-key-2")

		k := KeysConfig{
			Keys:   []KeyConfig{{Key: "inline-key"}},
			EnvVar: "GEM_RELAY_KEYS",
			File:   keyFile,
		}

		resolved, err := k.Resolve()
		require.NoError(t, err)
		secrets := lo.Map(resolved, func(kc KeyConfig, _ int) string { return kc.Key })
		assert.Equal(t, []string{"inline-key", "env-key-1", "env-key-2", "file-key-1", "file-key-2"}, secrets)
	})

	t.Run("deduplicates keeping the first occurrence", func(t *testing.T) {
		t.Setenv("GEM_RELAY_KEYS", "inline-key")

		k := KeysConfig{
			Keys:   []KeyConfig{{Key: "inline-key", ExpiresAt: "2027-01-01T00:00:00Z"}},
			EnvVar: "GEM_RELAY_KEYS",
		}

		resolved, err := k.Resolve()
		require.NoError(t, err)
		require.Len(t, resolved, 1)
		assert.Equal(t, "2027-01-01T00:00:00Z", resolved[0].ExpiresAt)
	})

	t.Run("missing key file errors", func(t *testing.T) {
		k := KeysConfig{File: "/nonexistent/keys.txt"}
		_, err := k.Resolve()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Server: ServerConfig{Listen: ":8790"}}
	}

	t.Run("minimal config passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing listen address", func(t *testing.T) {
		cfg := valid()
		cfg.Server.Listen = ""
		assert.ErrorIs(t, cfg.Validate(), ErrNoListenAddr)
	})

	t.Run("band outside (0,1]", func(t *testing.T) {
		cfg := valid()
		cfg.Selection.NearBestBand = 1.5
		var bandErr InvalidBandError
		assert.ErrorAs(t, cfg.Validate(), &bandErr)
	})

	t.Run("negative model limit", func(t *testing.T) {
		cfg := valid()
		cfg.Models = map[string]ModelLimitConfig{
			"gemini-pro": {RPM: lo.ToPtr(-1)},
		}
		var limitErr InvalidLimitError
		require.ErrorAs(t, cfg.Validate(), &limitErr)
		assert.Equal(t, "rpm", limitErr.Dimension)
	})

	t.Run("credential with empty key", func(t *testing.T) {
		cfg := valid()
		cfg.Server.Auth.Credentials = []CredentialConfig{{Name: "alice"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("context enabled without a path", func(t *testing.T) {
		cfg := valid()
		cfg.Context.Enabled = true
		assert.Error(t, cfg.Validate())
	})
}

func TestRuntime(t *testing.T) {
	first := &Config{Server: ServerConfig{Listen: ":1"}}
	second := &Config{Server: ServerConfig{Listen: ":2"}}

	rt := NewRuntime(first)
	assert.Same(t, first, rt.Get())

	rt.Store(second)
	assert.Same(t, second, rt.Get())
}
