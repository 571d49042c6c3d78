// Package config loads betternotify settings from an optional yaml file
// with environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/manamana32321/betternotify/internal/extract"
)

type Config struct {
	Relay     RelayConfig    `yaml:"relay"`
	Templates Templates      `yaml:"templates"`
	Hook      HookConfig     `yaml:"hook"`
	Discord   DiscordConfig  `yaml:"discord"`
	Renderer  RendererConfig `yaml:"renderer"`
	OTel      OTelConfig     `yaml:"otel"`
	Log       LogConfig      `yaml:"log"`
}

type RelayConfig struct {
	URL        string        `yaml:"url"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	QueueSize  int           `yaml:"queue_size"`
}

// Templates are the user's notification templates.
type Templates struct {
	Title      string `yaml:"title"`
	Body       string `yaml:"body"`
	ShowAvatar bool   `yaml:"show_avatar"`
}

type HookConfig struct {
	Layout extract.Layout `yaml:"layout"`
}

type DiscordConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Token    string   `yaml:"-"` // from env only
	Channels []string `yaml:"channels"`
}

type RendererConfig struct {
	Listen           string        `yaml:"listen"`
	CacheDir         string        `yaml:"cache_dir"`
	AvatarTimeout    time.Duration `yaml:"avatar_timeout"`
	Backend          string        `yaml:"backend"`      // "dbus" or "log"
	Capabilities     []string      `yaml:"capabilities"` // overrides what the backend reports
	AppName          string        `yaml:"app_name"`
	Header           bool          `yaml:"header"`
	AttributionText  string        `yaml:"attribution_text"`
	AvatarCrop       bool          `yaml:"avatar_crop"`
	ReplyPlaceholder string        `yaml:"reply_placeholder"`
}

type OTelConfig struct {
	Enabled     bool          `yaml:"enabled"`
	ServiceName string        `yaml:"service_name"`
	Interval    time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

const DefaultEndpoint = "localhost:8660"

func defaultConfig() Config {
	return Config{
		Relay: RelayConfig{
			URL:        "ws://" + DefaultEndpoint,
			RetryDelay: 10 * time.Second,
			QueueSize:  64,
		},
		Templates: Templates{
			Title:      "{SENDERDISPLAYNAME} #{GROUPNAME}",
			Body:       "{BODY}",
			ShowAvatar: true,
		},
		Hook: HookConfig{
			Layout: extract.DefaultLayout(),
		},
		Discord: DiscordConfig{
			Enabled: true,
		},
		Renderer: RendererConfig{
			Listen:           DefaultEndpoint,
			CacheDir:         filepath.Join(os.TempDir(), "betternotify", "avatars"),
			AvatarTimeout:    3 * time.Second,
			Backend:          "dbus",
			AppName:          "Discord",
			Header:           true,
			AvatarCrop:       true,
			ReplyPlaceholder: "reply",
		},
		OTel: OTelConfig{
			ServiceName: "betternotify",
			Interval:    30 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Default returns the built-in configuration.
func Default() Config { return defaultConfig() }

// DefaultPath is used when CONFIG_PATH is unset.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "betternotify.yaml"
	}
	return filepath.Join(dir, "betternotify", "config.yaml")
}

// Path returns the config file location.
func Path() string {
	return envOr("CONFIG_PATH", DefaultPath())
}

// Load reads the config file at path (optional) and applies env overrides.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	// config file is optional; a missing file is not an error

	cfg.Discord.Token = os.Getenv("DISCORD_BOT_TOKEN")
	if v := os.Getenv("BETTERNOTIFY_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("BETTERNOTIFY_LISTEN"); v != "" {
		cfg.Renderer.Listen = v
	}
	if v := os.Getenv("BETTERNOTIFY_CACHE_DIR"); v != "" {
		cfg.Renderer.CacheDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if cfg.Discord.Token == "" {
		cfg.Discord.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Relay.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("relay.url %q must be a ws:// or wss:// address", c.Relay.URL)
	}
	if c.Relay.RetryDelay <= 0 {
		return fmt.Errorf("relay.retry_delay must be positive")
	}
	if c.Relay.QueueSize <= 0 {
		return fmt.Errorf("relay.queue_size must be positive")
	}
	if c.Renderer.AvatarTimeout <= 0 {
		return fmt.Errorf("renderer.avatar_timeout must be positive")
	}
	if c.OTel.Enabled && c.OTel.Interval <= 0 {
		return fmt.Errorf("otel.interval must be positive")
	}
	switch c.Renderer.Backend {
	case "dbus", "log":
	default:
		return fmt.Errorf("renderer.backend %q: want dbus or log", c.Renderer.Backend)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
