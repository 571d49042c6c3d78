package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/manamana32321/betternotify/internal/avatar"
	"github.com/manamana32321/betternotify/internal/config"
	"github.com/manamana32321/betternotify/internal/desktop"
	"github.com/manamana32321/betternotify/internal/renderer"
)

func renderCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Listen for relayed notifications and show them on the desktop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRender(cmd.Context(), *configPath)
		},
	}
}

func runRender(ctx context.Context, configPath string) error {
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

	rc := cfg.Renderer
	cache, err := avatar.New(rc.CacheDir,
		avatar.WithTimeout(rc.AvatarTimeout),
		avatar.WithLogger(log.With().Str("component", "avatar").Logger()),
		avatar.WithTelemetry(tel),
	)
	if err != nil {
		return err
	}

	display, err := newDisplay(ctx, rc, log.With().Str("component", "display").Logger())
	if err != nil {
		return err
	}
	defer display.Close()

	opts := []renderer.Option{
		renderer.WithStyle(renderer.Style{
			AppName:          rc.AppName,
			Header:           rc.Header,
			AttributionText:  rc.AttributionText,
			AvatarCrop:       rc.AvatarCrop,
			ReplyPlaceholder: rc.ReplyPlaceholder,
		}),
		renderer.WithAvatarWait(rc.AvatarTimeout),
		renderer.WithLogger(log.With().Str("component", "renderer").Logger()),
		renderer.WithTelemetry(tel),
	}
	if len(rc.Capabilities) > 0 {
		caps, err := renderer.ParseCapabilities(rc.Capabilities)
		if err != nil {
			return fmt.Errorf("renderer.capabilities: %w", err)
		}
		opts = append(opts, renderer.WithCapabilities(caps))
	}

	srv := renderer.New(display, cache, opts...)
	return srv.ListenAndServe(ctx, rc.Listen)
}

type closingDisplay interface {
	renderer.Display
	io.Closer
}

func newDisplay(ctx context.Context, rc config.RendererConfig, log zerolog.Logger) (closingDisplay, error) {
	if rc.Backend == "log" {
		caps, err := renderer.ParseCapabilities(rc.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("renderer.capabilities: %w", err)
		}
		if len(caps) == 0 {
			caps = nil
		}
		return desktop.NewLog(caps, log), nil
	}
	d, err := desktop.NewDBus(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("dbus display: %w", err)
	}
	return d, nil
}
