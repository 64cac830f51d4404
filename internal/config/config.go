package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                        string `mapstructure:"PORT"`
	Env                         string `mapstructure:"ENV"`
	DatabaseURL                 string `mapstructure:"DB_DSN"`
	DBMaxConns                  int32  `mapstructure:"DB_MAX_CONNS"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	NotifyProvider              string `mapstructure:"NOTIFY_PROVIDER"`
	NotifyWebhookURL            string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookToken          string `mapstructure:"NOTIFY_WEBHOOK_TOKEN"`
	EffectTimeoutSeconds        int    `mapstructure:"EFFECT_TIMEOUT_SECONDS"`
	IdentityCacheTTLSeconds     int    `mapstructure:"IDENTITY_CACHE_TTL_SECONDS"`
	RealtimeChannel             string `mapstructure:"REALTIME_CHANNEL"`
	Timezone                    string `mapstructure:"TIMEZONE"`
	RateLimitPerMinute          int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst              int    `mapstructure:"RATE_LIMIT_BURST"`
	StructureRateLimitPerMinute int    `mapstructure:"STRUCTURE_RATE_LIMIT_PER_MIN"`
	StructureRateLimitBurst     int    `mapstructure:"STRUCTURE_RATE_LIMIT_BURST"`
	MigrationsDir               string `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DB_DSN",
	"DB_MAX_CONNS",
	"REDIS_URL",
	"NOTIFY_PROVIDER",
	"NOTIFY_WEBHOOK_URL",
	"NOTIFY_WEBHOOK_TOKEN",
	"EFFECT_TIMEOUT_SECONDS",
	"IDENTITY_CACHE_TTL_SECONDS",
	"REALTIME_CHANNEL",
	"TIMEZONE",
	"RATE_LIMIT_PER_MIN",
	"RATE_LIMIT_BURST",
	"STRUCTURE_RATE_LIMIT_PER_MIN",
	"STRUCTURE_RATE_LIMIT_BURST",
	"MIGRATIONS_DIR",
}

// Load reads the environment, with an optional .env file underneath it.
// Without DB_DSN the service runs on the in-memory store.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("NOTIFY_PROVIDER", "log")
	v.SetDefault("EFFECT_TIMEOUT_SECONDS", 10)
	v.SetDefault("IDENTITY_CACHE_TTL_SECONDS", 300)
	v.SetDefault("REALTIME_CHANNEL", "queue.changes")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("STRUCTURE_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("STRUCTURE_RATE_LIMIT_BURST", 120)
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EffectTimeoutSeconds <= 0 {
		return fmt.Errorf("EFFECT_TIMEOUT_SECONDS must be positive, got %d", c.EffectTimeoutSeconds)
	}
	if c.NotifyProvider == "webhook" && c.NotifyWebhookURL == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_URL is required when NOTIFY_PROVIDER=webhook")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) EffectTimeout() time.Duration {
	return time.Duration(c.EffectTimeoutSeconds) * time.Second
}

func (c *Config) IdentityCacheTTL() time.Duration {
	if c.IdentityCacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.IdentityCacheTTLSeconds) * time.Second
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
