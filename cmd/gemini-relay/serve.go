package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gemini-relay/cmd/gemini-relay/di"
	"gemini-relay/internal/keypool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the HTTP server that accepts chat requests and relays them to the
upstream streaming endpoint using the key pool.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	configPath := cfgFile
	if configPath == "" {
		configPath = findConfigFile()
	}

	container := di.NewContainer(configPath)

	loggerSvc, err := di.Invoke[*di.LoggerService](container)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("startup failed")
		return err
	}

	log.Logger = *loggerSvc.Logger
	zerolog.DefaultContextLogger = loggerSvc.Logger

	serverSvc, err := di.Invoke[*di.ServerService](container)
	if err != nil {
		log.Error().Err(err).Msg("failed to build server")
		return err
	}

	poolSvc, err := di.Invoke[*di.PoolService](container)
	if err != nil {
		log.Error().Err(err).Msg("failed to build key pool")
		return err
	}
	if status, err := poolSvc.Pool.Status(context.Background()); err == nil {
		log.Info().
			Int("free", status.Tiers[keypool.TierFree].Active).
			Int("paid", status.Tiers[keypool.TierPaid].Active).
			Int("available", status.AvailableKeys).
			Msg("key pool ready")
	}

	// The watcher is not a server dependency; resolve it so it starts.
	if _, err := di.Invoke[*di.WatcherService](container); err != nil {
		log.Error().Err(err).Msg("failed to start key file watcher")
		return err
	}

	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := container.ShutdownWithContext(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}

		close(done)
	}()

	if err := serverSvc.Server.Start(); err != nil {
		log.Error().Err(err).Msg("server error")
		return err
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}

// findConfigFile searches the default config locations.
func findConfigFile() string {
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		p := filepath.Join(home, ".config", "gemini-relay", defaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return defaultConfigFile // Default, will error if not found
}
