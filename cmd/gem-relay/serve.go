package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omarluq/gem-relay/cmd/gem-relay/di"
	"github.com/omarluq/gem-relay/internal/config"
	"github.com/omarluq/gem-relay/internal/proxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gem-relay server",
	Long: `Start the relay server that accepts OpenAI-style chat completions and
routes them to the Gemini API across the configured key pool.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath := cfgFile
	if configPath == "" {
		configPath = findConfigFile()
	}

	container, err := di.NewContainer(configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to create container")
		return err
	}

	loggerSvc, err := di.Invoke[*di.LoggerService](container)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("failed to initialize")
		return err
	}
	logger := loggerSvc.Logger
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	cfgSvc := di.MustInvoke[*di.ConfigService](container)
	registrySvc := di.MustInvoke[*di.RegistryService](container)
	scoresSvc := di.MustInvoke[*di.ScoresService](container)
	storeSvc := di.MustInvoke[*di.StoreService](container)
	reporterSvc := di.MustInvoke[*di.ReporterService](container)
	throttleSvc := di.MustInvoke[*di.ThrottleService](container)
	serverSvc := di.MustInvoke[*di.ServerService](container)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Background loops: score refresh, daily reset, reporter, store pruning.
	go scoresSvc.Scores.Run(ctx)
	go reporterSvc.ResetJob.Run(ctx)
	go reporterSvc.Reporter.Run(ctx)
	if storeSvc.Store != nil {
		go storeSvc.Store.RunPruner(ctx, time.Hour)
	}

	// Config hot-reload: swap the runtime snapshot, reconcile the key pool,
	// and apply the new client throttle.
	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable, hot reload disabled")
	} else {
		watcher.OnReload(func(newCfg *config.Config) error {
			cfgSvc.Runtime.Store(newCfg)

			rawKeys, err := newCfg.Keys.Resolve()
			if err != nil {
				return err
			}
			keyCfgs, err := proxy.PoolKeyConfigs(rawKeys)
			if err != nil {
				return err
			}
			registrySvc.Registry.Reload(keyCfgs)
			throttleSvc.Limiters.SetLimit(newCfg.Server.ClientRPM)

			logger.Info().Int("keys", registrySvc.Registry.Len()).Msg("configuration reloaded")
			return nil
		})
		go func() {
			if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("config watcher stopped")
			}
		}()
		defer watcher.Close()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigint:
		case <-ctx.Done():
		}

		logger.Info().Msg("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := serverSvc.Server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
		if err := container.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("container shutdown error")
		}
		close(done)
	}()

	logger.Info().
		Str("listen", serverSvc.Server.Addr()).
		Int("keys", registrySvc.Registry.Len()).
		Msg("starting gem-relay")

	if err := serverSvc.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server error")
		return err
	}

	<-done
	logger.Info().Msg("server stopped")
	return nil
}

// findConfigFile searches default config locations.
func findConfigFile() string {
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		p := filepath.Join(home, ".config", "gem-relay", defaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return defaultConfigFile
}
