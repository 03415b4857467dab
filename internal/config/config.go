// Package config loads server settings from the environment, optionally
// layered over a config file named by CONFIG_FILE.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds every tunable of the server. Keys match environment
// variable names in lower case.
type Config struct {
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`

	MatchingPolicy    string        `mapstructure:"matching_policy" validate:"oneof=primary counter"`
	DefaultCollateral string        `mapstructure:"default_collateral" validate:"required,numeric"`
	OrderTTL          time.Duration `mapstructure:"order_ttl" validate:"gte=0"`

	NetworkMode      string        `mapstructure:"network_mode" validate:"oneof=simulated networked"`
	NetworkURL       string        `mapstructure:"network_url" validate:"required_if=NetworkMode networked"`
	NetworkTimeout   time.Duration `mapstructure:"network_timeout" validate:"gt=0"`
	NetworkRateLimit float64       `mapstructure:"network_rate_limit" validate:"gte=0"`

	SettlementSchedule    string        `mapstructure:"settlement_schedule" validate:"required"`
	SettlementTimeout     time.Duration `mapstructure:"settlement_timeout" validate:"gt=0"`
	SettlementConcurrency int           `mapstructure:"settlement_concurrency" validate:"min=1,max=64"`
	ExpirySchedule        string        `mapstructure:"expiry_schedule"`

	KafkaBrokers string `mapstructure:"kafka_brokers"`
	KafkaTopic   string `mapstructure:"kafka_topic" validate:"required_with=KafkaBrokers"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

var defaults = map[string]any{
	"port":                   8080,
	"log_level":              "info",
	"database_url":           "",
	"redis_url":              "",
	"cache_ttl":              "30s",
	"matching_policy":        "primary",
	"default_collateral":     "10000",
	"order_ttl":              "24h",
	"network_mode":           "simulated",
	"network_url":            "",
	"network_timeout":        "10s",
	"network_rate_limit":     20.0,
	"settlement_schedule":    "@hourly",
	"settlement_timeout":     "30s",
	"settlement_concurrency": 4,
	"expiry_schedule":        "@every 1m",
	"kafka_brokers":          "",
	"kafka_topic":            "estateshare.events",
	"shutdown_timeout":       "10s",
}

// Load reads configuration from the environment. Unset keys take their
// defaults. The result is validated before it is returned.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	if !cfg.Collateral().IsPositive() {
		return nil, fmt.Errorf("config: default_collateral must be positive, got %q", cfg.DefaultCollateral)
	}
	return &cfg, nil
}

// Collateral returns the default per-participant channel deposit.
func (c *Config) Collateral() decimal.Decimal {
	d, err := decimal.NewFromString(c.DefaultCollateral)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Brokers splits KAFKA_BROKERS on commas. Empty means Kafka is disabled.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
