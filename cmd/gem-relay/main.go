// Package main is the entry point for gem-relay.
package main

import (
	"context"
	"os"

	"charm.land/fang/v2"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "config.yaml"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gem-relay",
	Short: "OpenAI-compatible relay for the Gemini API",
	Long: `gem-relay exposes an OpenAI-style chat completions endpoint backed by a
pool of Gemini API keys, with per-key rate tracking, capacity-aware key
selection, and automatic retry across keys.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (default: ./"+defaultConfigFile+" or ~/.config/gem-relay/"+defaultConfigFile+")")
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}
