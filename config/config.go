// Package config loads the notifier configuration from the environment,
// with an optional JSON file (the legacy config.json layout) filling any
// required field the environment leaves empty.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"go-simpler.org/env"

	"github.com/NFG-Linux/twitch-notifier/apperr"
)

type Config struct {
	// Twitch
	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	BroadcasterName    string `env:"TWITCH_USERNAME"`
	TwitchAPIBaseURL   string `env:"TWITCH_API_BASE_URL" default:"https://api.twitch.tv/helix"`
	TwitchTokenURL     string `env:"TWITCH_TOKEN_URL" default:"https://id.twitch.tv/oauth2/token"`

	// Webhooks
	WebhookURLs        []string `env:"WEBHOOK_URLS"`
	WebhookConcurrency int      `env:"WEBHOOK_CONCURRENCY" default:"4"`

	// State
	StateStore    string `env:"STATE_STORE" default:"state.json"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Runtime
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" default:"10s"`
	LogLevel       string        `env:"LOG_LEVEL" default:"info"`
	LogFormat      string        `env:"LOG_FORMAT" default:"text"`
	PushgatewayURL string        `env:"PUSHGATEWAY_URL"`
	ConfigFile     string        `env:"CONFIG_FILE" default:"config.json"`
}

// fileConfig mirrors the legacy config.json keys.
type fileConfig struct {
	TwitchClientID     string   `json:"twitch_client_id"`
	TwitchClientSecret string   `json:"twitch_client_secret"`
	TwitchUsername     string   `json:"twitch_username"`
	DiscordWebhooks    []string `json:"discord_webhooks"`
}

// Load reads the environment, merges the optional config file and validates
// the result. Every error it returns is classified apperr.KindConfig.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, apperr.New(apperr.KindConfig, "load env", err)
	}
	if err := cfg.mergeFile(); err != nil {
		return nil, apperr.New(apperr.KindConfig, "load "+cfg.ConfigFile, err)
	}
	cfg.WebhookURLs = cleanList(cfg.WebhookURLs)
	if err := cfg.Validate(); err != nil {
		return nil, apperr.New(apperr.KindConfig, "validate", err)
	}
	return &cfg, nil
}

// mergeFile fills empty required fields from ConfigFile. A missing file is not an error.
func (c *Config) mergeFile() error {
	if c.ConfigFile == "" {
		return nil
	}
	b, err := os.ReadFile(c.ConfigFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if c.TwitchClientID == "" {
		c.TwitchClientID = fc.TwitchClientID
	}
	if c.TwitchClientSecret == "" {
		c.TwitchClientSecret = fc.TwitchClientSecret
	}
	if c.BroadcasterName == "" {
		c.BroadcasterName = fc.TwitchUsername
	}
	if len(cleanList(c.WebhookURLs)) == 0 {
		c.WebhookURLs = fc.DiscordWebhooks
	}
	return nil
}

// Validate checks that every field a run needs is present and sane.
func (c *Config) Validate() error {
	var missing []string
	if c.TwitchClientID == "" {
		missing = append(missing, "TWITCH_CLIENT_ID")
	}
	if c.TwitchClientSecret == "" {
		missing = append(missing, "TWITCH_CLIENT_SECRET")
	}
	if c.BroadcasterName == "" {
		missing = append(missing, "TWITCH_USERNAME")
	}
	if len(c.WebhookURLs) == 0 {
		missing = append(missing, "WEBHOOK_URLS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("invalid webhook url %q: must be http(s)", u)
		}
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.WebhookConcurrency <= 0 {
		c.WebhookConcurrency = 1
	}
	return nil
}

func cleanList(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
