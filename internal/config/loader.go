package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SOLGUARD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SOLGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "SOLGUARD_MODE")
	setStr(&cfg.LogLevel, "SOLGUARD_LOG_LEVEL")

	setStr(&cfg.Postgres.DSN, "SOLGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SOLGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SOLGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SOLGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SOLGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SOLGUARD_POSTGRES_PASSWORD")

	setStr(&cfg.Redis.Addr, "SOLGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SOLGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SOLGUARD_REDIS_DB")

	setStr(&cfg.S3.Endpoint, "SOLGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Bucket, "SOLGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SOLGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SOLGUARD_S3_SECRET_KEY")

	setStr(&cfg.Feed.WsURL, "SOLGUARD_FEED_WS_URL")

	setStr(&cfg.Notify.TelegramToken, "SOLGUARD_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SOLGUARD_TELEGRAM_CHAT_ID")

	setStr(&cfg.Risk.StopLossDefault, "SOLGUARD_RISK_STOP_LOSS")
	setStr(&cfg.Risk.TakeProfitDefault, "SOLGUARD_RISK_TAKE_PROFIT")
	setStr(&cfg.Risk.MaxLeverage, "SOLGUARD_RISK_MAX_LEVERAGE")
	setStr(&cfg.Risk.MaxPositionSizeUSD, "SOLGUARD_RISK_MAX_POSITION_SIZE_USD")
	setInt(&cfg.Scheduler.MaxRetryAttempts, "SOLGUARD_SCHEDULER_MAX_RETRY_ATTEMPTS")
	setInt(&cfg.Scheduler.ConfirmationTimeoutSeconds, "SOLGUARD_SCHEDULER_CONFIRMATION_TIMEOUT_SECONDS")
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
