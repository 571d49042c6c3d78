package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/manamana32321/betternotify/internal/config"
	"github.com/manamana32321/betternotify/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "betternotify",
		Short:        "Relay chat notifications to native desktop notifications",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.Path(), "path to the yaml config file")

	root.AddCommand(
		relayCommand(&configPath),
		renderCommand(&configPath),
	)
	return root
}

// newLogger writes to stderr. The level is global so a config reload can
// change it.
func newLogger(cfg config.LogConfig) zerolog.Logger {
	setLevel(cfg.Level)
	if cfg.Console {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func setLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// setupTelemetry falls back to no-op instruments when export is disabled
// or the exporters cannot be built.
func setupTelemetry(ctx context.Context, cfg config.OTelConfig, log zerolog.Logger) *telemetry.Telemetry {
	if !cfg.Enabled {
		return telemetry.Nop()
	}
	tel, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.Interval)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry disabled")
		return telemetry.Nop()
	}
	return tel
}

// watchConfig reloads the store on file changes until ctx is done.
func watchConfig(ctx context.Context, store *config.Store, log zerolog.Logger) {
	store.OnReload(func(c config.Config) { setLevel(c.Log.Level) })
	go func() {
		if err := store.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("config watch stopped")
		}
	}()
}
