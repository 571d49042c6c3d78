package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/manamana32321/betternotify/internal/config"
	"github.com/manamana32321/betternotify/internal/discord"
	"github.com/manamana32321/betternotify/internal/hook"
	"github.com/manamana32321/betternotify/internal/relayclient"
)

func relayCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Intercept chat notifications and relay them to the renderer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), *configPath)
		},
	}
}

func runRelay(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := newLogger(cfg.Log)

	store := config.NewStore(configPath, cfg, log.With().Str("component", "config").Logger())
	watchConfig(ctx, store, log)

	tel := setupTelemetry(ctx, cfg.OTel, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	if !cfg.Discord.Enabled {
		return errors.New("relay needs DISCORD_BOT_TOKEN and discord.enabled")
	}
	dc, err := discord.New(cfg.Discord.Token, cfg.Discord.Channels,
		discord.WithLogger(log.With().Str("component", "discord").Logger()))
	if err != nil {
		return err
	}

	rc := relayclient.New(relayclient.Config{
		URL:        cfg.Relay.URL,
		RetryDelay: cfg.Relay.RetryDelay,
		QueueSize:  cfg.Relay.QueueSize,
	}, dc,
		relayclient.WithLogger(log.With().Str("component", "relay").Logger()),
		relayclient.WithTelemetry(tel),
	)
	defer rc.Close()

	// a failed first attempt is reported and retried once by the client
	_ = rc.Start(ctx)

	// editing the config re-arms a dead connection
	store.OnReload(func(config.Config) {
		if rc.State() == relayclient.Disconnected {
			_ = rc.Start(ctx)
		}
	})

	h := hook.New(rc, store,
		hook.WithLayout(cfg.Hook.Layout),
		hook.WithLogger(log.With().Str("component", "hook").Logger()),
		hook.WithTelemetry(tel),
	)

	log.Info().Str("renderer", cfg.Relay.URL).Int("channels", len(cfg.Discord.Channels)).Msg("relay started")
	return dc.Start(ctx, h)
}
