package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/omarluq/gem-relay/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check if gem-relay is running",
	Long: `Check the health of a running gem-relay server by querying its
/health endpoint.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	configPath := cfgFile
	if configPath == "" {
		configPath = findConfigFile()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	healthURL := fmt.Sprintf("http://%s/health", cfg.Server.Listen)
	client := &http.Client{Timeout: 5 * time.Second}

	//nolint:noctx // simple health check
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Printf("✗ gem-relay is not running (%s)\n", cfg.Server.Listen)
		return fmt.Errorf("server not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Printf("✓ gem-relay is running (%s)\n", cfg.Server.Listen)
		return nil
	}

	fmt.Printf("✗ gem-relay returned unexpected status: %d\n", resp.StatusCode)
	return fmt.Errorf("health check failed with status %d", resp.StatusCode)
}
