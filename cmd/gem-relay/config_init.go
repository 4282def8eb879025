package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfigTemplate = `# gem-relay configuration
server:
  listen: "127.0.0.1:8790"
  # client_rpm: 120
  # http2: true
  # max_body_bytes: 1048576
  auth:
    credentials: []
    # - name: "local"
    #   key: "${GEM_RELAY_CLIENT_KEY}"
    # admin_secret: "${GEM_RELAY_ADMIN_SECRET}"
  aliases:
    gpt-4o: gemini-2.5-pro
    gpt-4o-mini: gemini-2.5-flash

logging:
  level: info
  format: console

upstream:
  base_url: "https://generativelanguage.googleapis.com/v1beta"
  timeout_seconds: 300

keys:
  # One or more Gemini API keys. Inline, env var, and file sources combine.
  env_var: GEMINI_API_KEYS
  # file: /etc/gem-relay/keys.txt
  # keys:
  #   - key: "AIza..."
  #     expires_at: "2027-01-01T00:00:00Z"

models:
  gemini-2.5-pro:
    rpm: 5
    rpd: 100
    tpm_input: 250000
  gemini-2.5-flash:
    rpm: 10
    rpd: 250
    tpm_input: 250000

selection:
  fallback_strategy: random
  refresh_seconds: 300
  near_best_band: 0.95

retry:
  cooldown_seconds: 60
  max_backoff_seconds: 60

breaker:
  enabled: true
  failure_threshold: 5
  open_seconds: 30

context:
  enabled: false
  # path: /var/lib/gem-relay/context.db
  # ttl_hours: 72
  # max_turns: 40

report:
  interval_minutes: 60
`

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage gem-relay configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default config file",
	Long:  `Generate a default gem-relay configuration file at ~/.config/gem-relay/config.yaml`,
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().StringP("output", "o", "", "output path (default: ~/.config/gem-relay/config.yaml)")
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return fmt.Errorf("failed to get output flag: %w", err)
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return fmt.Errorf("failed to get force flag: %w", err)
	}

	if output == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		output = filepath.Join(home, ".config", "gem-relay", defaultConfigFile)
	}

	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", output)
	}

	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(output, []byte(defaultConfigTemplate), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("✓ Config file created at %s\n", output)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set GEMINI_API_KEYS (comma-separated) or add keys to the config")
	fmt.Println("  2. Adjust per-model limits to match your quota tier")
	fmt.Println("  3. Start the relay: gem-relay serve")

	return nil
}
