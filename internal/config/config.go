// Package config loads service configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ciphex/abacus/internal/market"
)

// ServerConfig is the HTTP listener section.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SSEConfig is the stream cadence section.
type SSEConfig struct {
	PriceIntervalMs     int `yaml:"price_interval_ms"`
	TelemetryIntervalMs int `yaml:"telemetry_interval_ms"`
}

// Config is the full service configuration.
type Config struct {
	Environment   string       `yaml:"environment"`
	LogLevel      string       `yaml:"log_level"`
	Server        ServerConfig `yaml:"server"`
	DatabaseURL   string       `yaml:"database_url"`
	RedisURL      string       `yaml:"redis_url"`
	RetentionDays int          `yaml:"retention_days"`
	AdminAPIKey   string       `yaml:"admin_api_key"`
	Assets        []string     `yaml:"assets"`
	SpotVenues    []string     `yaml:"spot_venues"`
	PerpVenues    []string     `yaml:"perp_venues"`
	SSE           SSEConfig    `yaml:"sse"`
}

// Default returns the development configuration: no persistence, the
// production asset and venue sets.
func Default() Config {
	return Config{
		Environment:   "local",
		LogLevel:      "info",
		Server:        ServerConfig{Host: "0.0.0.0", Port: 8000},
		RetentionDays: 14,
		Assets:        assetStrings(market.EnabledAssets),
		SpotVenues:    venueStrings(market.EnabledSpotVenues),
		PerpVenues:    venueStrings(market.EnabledPerpVenues),
		SSE:           SSEConfig{PriceIntervalMs: 500, TelemetryIntervalMs: 5000},
	}
}

func assetStrings(assets []market.Asset) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = string(a)
	}
	return out
}

func venueStrings(venues []market.Venue) []string {
	out := make([]string, len(venues))
	for i, v := range venues {
		out[i] = string(v)
	}
	return out
}

// Load reads path when non-empty, layering the file over the defaults
// and the environment over the file. A missing file is not an error
// when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Environment, "ABACUS_ENVIRONMENT")
	setString(&c.LogLevel, "ABACUS_LOG_LEVEL")
	setString(&c.Server.Host, "ABACUS_HOST")
	setString(&c.DatabaseURL, "ABACUS_DATABASE_URL")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "ABACUS_REDIS_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.AdminAPIKey, "ABACUS_ADMIN_API_KEY")

	if v := os.Getenv("ABACUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("ABACUS_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			c.RetentionDays = days
		}
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Environment {
	case "local", "staging", "production":
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset is required")
	}
	for _, a := range c.Assets {
		switch market.Asset(a) {
		case market.AssetBTC, market.AssetETH:
		default:
			return fmt.Errorf("unknown asset %q", a)
		}
	}
	for _, v := range append(append([]string{}, c.SpotVenues...), c.PerpVenues...) {
		if _, ok := market.VenueConfigs[market.Venue(v)]; !ok {
			return fmt.Errorf("unknown venue %q", v)
		}
	}
	if c.SSE.PriceIntervalMs < 100 {
		return fmt.Errorf("sse price_interval_ms must be at least 100")
	}
	if c.SSE.TelemetryIntervalMs < 1000 {
		return fmt.Errorf("sse telemetry_interval_ms must be at least 1000")
	}
	return nil
}

// AssetList converts the configured assets to their typed form.
func (c *Config) AssetList() []market.Asset {
	out := make([]market.Asset, len(c.Assets))
	for i, a := range c.Assets {
		out[i] = market.Asset(a)
	}
	return out
}

// SpotVenueList converts the configured spot venues to their typed form.
func (c *Config) SpotVenueList() []market.Venue {
	return toVenues(c.SpotVenues)
}

// PerpVenueList converts the configured perp venues to their typed form.
func (c *Config) PerpVenueList() []market.Venue {
	return toVenues(c.PerpVenues)
}

func toVenues(names []string) []market.Venue {
	out := make([]market.Venue, len(names))
	for i, v := range names {
		out[i] = market.Venue(v)
	}
	return out
}

// PriceInterval returns the SSE price cadence as a duration.
func (c *Config) PriceInterval() time.Duration {
	return time.Duration(c.SSE.PriceIntervalMs) * time.Millisecond
}

// TelemetryInterval returns the SSE telemetry cadence as a duration.
func (c *Config) TelemetryInterval() time.Duration {
	return time.Duration(c.SSE.TelemetryIntervalMs) * time.Millisecond
}
