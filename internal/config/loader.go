package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration file from the given path.
// The format is chosen by extension: .toml parses as TOML, anything else as
// YAML. Environment variables in the format ${VAR_NAME} are expanded before
// parsing.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close() //nolint:errcheck // read-only file

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return LoadFromReader(file, FormatTOML)
	}
	return LoadFromReader(file, FormatYAML)
}

// Format identifies a config file encoding.
type Format string

// Supported config formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// LoadFromReader reads and parses configuration from an io.Reader.
// Environment variables in the format ${VAR_NAME} are expanded before parsing.
func LoadFromReader(r io.Reader, format Format) (*Config, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(content))

	var cfg Config
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unknown format %q", format)
	}

	return &cfg, nil
}

// Resolve collects API keys from all configured sources: inline keys first,
// then the environment variable, then the key file. Duplicate secrets are
// dropped, keeping the first occurrence.
func (k *KeysConfig) Resolve() ([]KeyConfig, error) {
	keys := make([]KeyConfig, 0, len(k.Keys))
	keys = append(keys, k.Keys...)

	if k.EnvVar != "" {
		for _, part := range strings.Split(os.Getenv(k.EnvVar), ",") {
			if secret := strings.TrimSpace(part); secret != "" {
				keys = append(keys, KeyConfig{Key: secret})
			}
		}
	}

	if k.File != "" {
		content, err := os.ReadFile(k.File)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read key file %s: %w", k.File, err)
		}
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			keys = append(keys, KeyConfig{Key: line})
		}
	}

	return lo.UniqBy(keys, func(kc KeyConfig) string { return kc.Key }), nil
}
