/**
 * @description
 * This package handles the configuration management for the rewards-service. It uses
 * Viper to read environment variables and an optional .env file, applies defaults, and
 * coerces out-of-range values back to safe ones with a warning.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all the configuration variables for the rewards-service.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	LogLevel                 string `mapstructure:"LOG_LEVEL"`
	StoreDriver              string `mapstructure:"STORE_DRIVER"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	SQLitePath               string `mapstructure:"SQLITE_PATH"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventsExchange           string `mapstructure:"EVENTS_EXCHANGE"`
	StepsExchange            string `mapstructure:"STEPS_EXCHANGE"`
	StepsQueue               string `mapstructure:"STEPS_QUEUE"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RedeemRateLimitPerMinute int    `mapstructure:"REDEEM_RATE_LIMIT_PER_MINUTE"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	LedgerMaxRetries         int    `mapstructure:"LEDGER_MAX_RETRIES"`
	LedgerVerifyOnWrite      bool   `mapstructure:"LEDGER_VERIFY_ON_WRITE"`
	LockTimeoutMS            int    `mapstructure:"LOCK_TIMEOUT_MS"`
	VoucherValidityDays      int    `mapstructure:"VOUCHER_VALIDITY_DAYS"`
	VoucherPrefix            string `mapstructure:"VOUCHER_PREFIX"`
	CatalogSeedPath          string `mapstructure:"CATALOG_SEED_PATH"`
	LedgerAuditSchedule      string `mapstructure:"LEDGER_AUDIT_SCHEDULE"`
}

var defaults = map[string]any{
	"SERVER_PORT":                  "8085",
	"LOG_LEVEL":                    "info",
	"STORE_DRIVER":                 StoreMemory,
	"SQLITE_PATH":                  "rewards.db",
	"EVENTS_EXCHANGE":              "rewards.events",
	"STEPS_EXCHANGE":               "activity.events",
	"STEPS_QUEUE":                  "rewards_service.steps_validated",
	"REDIS_RATE_LIMIT_PREFIX":      "rewards:rate_limit",
	"REDEEM_RATE_LIMIT_PER_MINUTE": 20,
	"LEDGER_MAX_RETRIES":           3,
	"LEDGER_VERIFY_ON_WRITE":       false,
	"LOCK_TIMEOUT_MS":              5000,
	"VOUCHER_VALIDITY_DAYS":        30,
	"VOUCHER_PREFIX":               "WLK",
	"LEDGER_AUDIT_SCHEDULE":        "@every 15m",
}

var envKeys = []string{
	"SERVER_PORT",
	"LOG_LEVEL",
	"STORE_DRIVER",
	"DATABASE_URL",
	"SQLITE_PATH",
	"RABBITMQ_URL",
	"EVENTS_EXCHANGE",
	"STEPS_EXCHANGE",
	"STEPS_QUEUE",
	"REDIS_URL",
	"REDIS_RATE_LIMIT_PREFIX",
	"REDEEM_RATE_LIMIT_PER_MINUTE",
	"INTERNAL_API_KEY",
	"LEDGER_MAX_RETRIES",
	"LEDGER_VERIFY_ON_WRITE",
	"LOCK_TIMEOUT_MS",
	"VOUCHER_VALIDITY_DAYS",
	"VOUCHER_PREFIX",
	"CATALOG_SEED_PATH",
	"LEDGER_AUDIT_SCHEDULE",
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in path. Environment variables win over the file.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// Bind explicitly so keys without defaults still appear in Unmarshal.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "err", err)
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return config, nil
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		slog.Warn("unknown store driver; using memory", "component", "config", "store_driver", c.StoreDriver)
		c.StoreDriver = StoreMemory
	}

	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = defaults["REDIS_RATE_LIMIT_PREFIX"].(string)
	}
	c.VoucherPrefix = strings.ToUpper(strings.TrimSpace(c.VoucherPrefix))
	if c.VoucherPrefix == "" {
		c.VoucherPrefix = defaults["VOUCHER_PREFIX"].(string)
	}
	if strings.TrimSpace(c.LedgerAuditSchedule) == "" {
		c.LedgerAuditSchedule = defaults["LEDGER_AUDIT_SCHEDULE"].(string)
	}

	if c.RedeemRateLimitPerMinute < 0 {
		slog.Warn("negative redeem rate limit configured; disabling", "component", "config", "limit", c.RedeemRateLimitPerMinute)
		c.RedeemRateLimitPerMinute = 0
	}
	if c.LedgerMaxRetries < 0 {
		slog.Warn("negative ledger retry count configured; using default", "component", "config", "retries", c.LedgerMaxRetries)
		c.LedgerMaxRetries = defaults["LEDGER_MAX_RETRIES"].(int)
	}
	if c.LockTimeoutMS <= 0 {
		slog.Warn("non-positive lock timeout configured; using default", "component", "config", "lock_timeout_ms", c.LockTimeoutMS)
		c.LockTimeoutMS = defaults["LOCK_TIMEOUT_MS"].(int)
	}
	if c.VoucherValidityDays <= 0 {
		slog.Warn("non-positive voucher validity configured; using default", "component", "config", "days", c.VoucherValidityDays)
		c.VoucherValidityDays = defaults["VOUCHER_VALIDITY_DAYS"].(int)
	}
}

// LockTimeout is LOCK_TIMEOUT_MS as a duration.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// VoucherValidity is VOUCHER_VALIDITY_DAYS as a duration.
func (c Config) VoucherValidity() time.Duration {
	return time.Duration(c.VoucherValidityDays) * 24 * time.Hour
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}
