// Package config defines the top-level configuration for the solguard engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by SOLGUARD_* environment
// variables.
type Config struct {
	Risk      RiskConfig      `toml:"risk"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Feed      FeedConfig      `toml:"feed"`
	Notify    NotifyConfig    `toml:"notify"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Mode      string          `toml:"mode"` // "trade" or "dry-run"
	LogLevel  string          `toml:"log_level"`
}

// RiskConfig holds the default risk limits resolved into each position's
// RiskParams at creation. Fractions are expressed as decimal strings in the
// TOML file ("0.05" = 5%).
type RiskConfig struct {
	StopLossDefault    string `toml:"stop_loss_default"`
	TakeProfitDefault  string `toml:"take_profit_default"`
	MaxLeverage        string `toml:"max_leverage"`
	MaxPositionSizeUSD string `toml:"max_position_size_usd"`
	AutoCloseThreshold string `toml:"auto_close_threshold"`
	RebalanceDrift     string `toml:"rebalance_drift"`
	MaxAgeHours        int    `toml:"max_age_hours"`
}

// SchedulerConfig tunes action submission, confirmation, and retry.
type SchedulerConfig struct {
	MaxRetryAttempts           int `toml:"max_retry_attempts"`
	ConfirmationTimeoutSeconds int `toml:"confirmation_timeout_seconds"`
	RetryBaseDelayMs           int `toml:"retry_base_delay_ms"`
	PollIntervalMs             int `toml:"poll_interval_ms"`
	MaxConcurrentSubmits       int `toml:"max_concurrent_submits"`
}

// PostgresConfig holds connection parameters for the audit database.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the snapshot cache.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object-storage parameters for the history archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	IntervalHours  int    `toml:"interval_hours"`
	RetainDays     int    `toml:"retain_days"`
}

// FeedConfig holds the market-data WebSocket endpoint and instruments to
// subscribe to.
type FeedConfig struct {
	WsURL       string   `toml:"ws_url"`
	Instruments []string `toml:"instruments"`
}

// NotifyConfig controls outbound notifications.
type NotifyConfig struct {
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID string   `toml:"telegram_chat_id"`
	Events         []string `toml:"events"`
}

// TelemetryConfig controls the Prometheus metrics endpoint.
type TelemetryConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// Defaults returns a Config pre-populated with safe defaults. Values from
// the TOML file and environment overrides are merged on top.
func Defaults() Config {
	return Config{
		Risk: RiskConfig{
			StopLossDefault:    "0.05",
			TakeProfitDefault:  "0.10",
			MaxLeverage:        "5",
			MaxPositionSizeUSD: "10000",
			AutoCloseThreshold: "0.15",
			RebalanceDrift:     "0",
			MaxAgeHours:        0,
		},
		Scheduler: SchedulerConfig{
			MaxRetryAttempts:           3,
			ConfirmationTimeoutSeconds: 60,
			RetryBaseDelayMs:           2000,
			PollIntervalMs:             1000,
			MaxConcurrentSubmits:       16,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Postgres: PostgresConfig{
			SSLMode:      "disable",
			PoolMaxConns: 8,
			PoolMinConns: 2,
		},
		S3: S3Config{
			Region:        "us-east-1",
			Prefix:        "solguard",
			IntervalHours: 24,
			RetainDays:    7,
		},
		Telemetry: TelemetryConfig{
			ListenAddr: ":9105",
		},
		Mode:     "dry-run",
		LogLevel: "info",
	}
}

// Validate checks the configuration for internal consistency. It is called
// after Load and before any dependency is wired.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "trade", "dry-run":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	for name, v := range map[string]string{
		"risk.stop_loss_default":     c.Risk.StopLossDefault,
		"risk.take_profit_default":   c.Risk.TakeProfitDefault,
		"risk.max_leverage":          c.Risk.MaxLeverage,
		"risk.max_position_size_usd": c.Risk.MaxPositionSizeUSD,
		"risk.auto_close_threshold":  c.Risk.AutoCloseThreshold,
		"risk.rebalance_drift":       c.Risk.RebalanceDrift,
	} {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}

	if c.Scheduler.MaxRetryAttempts < 0 {
		return fmt.Errorf("config: scheduler.max_retry_attempts must not be negative")
	}
	if c.Scheduler.ConfirmationTimeoutSeconds <= 0 {
		return fmt.Errorf("config: scheduler.confirmation_timeout_seconds must be positive")
	}
	if c.Scheduler.PollIntervalMs <= 0 {
		return fmt.Errorf("config: scheduler.poll_interval_ms must be positive")
	}
	if c.Scheduler.MaxConcurrentSubmits <= 0 {
		return fmt.Errorf("config: scheduler.max_concurrent_submits must be positive")
	}

	if strings.ToLower(c.Mode) == "trade" {
		if c.Postgres.DSN == "" && c.Postgres.Host == "" {
			return fmt.Errorf("config: postgres host or dsn required in trade mode")
		}
		if c.Feed.WsURL == "" {
			return fmt.Errorf("config: feed.ws_url required in trade mode")
		}
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("config: s3.bucket required when s3 is enabled")
	}

	return nil
}

// ConfirmationTimeout returns the scheduler confirmation timeout as a
// Duration.
func (c SchedulerConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(c.ConfirmationTimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the base retry delay as a Duration.
func (c SchedulerConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// PollInterval returns the confirmation poll interval as a Duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// RiskDecimals resolves the string risk fields into decimals. Validate must
// have succeeded first; parse failures here are programming errors.
func (c RiskConfig) RiskDecimals() (stopLoss, takeProfit, maxLeverage, maxSizeUSD, autoClose, rebalanceDrift decimal.Decimal) {
	stopLoss = decimal.RequireFromString(c.StopLossDefault)
	takeProfit = decimal.RequireFromString(c.TakeProfitDefault)
	maxLeverage = decimal.RequireFromString(c.MaxLeverage)
	maxSizeUSD = decimal.RequireFromString(c.MaxPositionSizeUSD)
	autoClose = decimal.RequireFromString(c.AutoCloseThreshold)
	rebalanceDrift = decimal.RequireFromString(c.RebalanceDrift)
	return
}
