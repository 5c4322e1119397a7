package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "trade"
log_level = "debug"

[risk]
stop_loss_default = "0.03"

[scheduler]
max_retry_attempts = 5

[feed]
ws_url = "wss://feed.example.com/ws"
instruments = ["SOL-PERP", "ETH-PERP"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "0.03", cfg.Risk.StopLossDefault)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetryAttempts)
	assert.Equal(t, []string{"SOL-PERP", "ETH-PERP"}, cfg.Feed.Instruments)

	// Untouched fields keep their defaults.
	assert.Equal(t, "0.10", cfg.Risk.TakeProfitDefault)
	assert.Equal(t, 60, cfg.Scheduler.ConfirmationTimeoutSeconds)
}

func TestLoadEnvOverridesWin(t *testing.T) {
	path := writeConfig(t, `
mode = "dry-run"

[redis]
addr = "file-redis:6379"
`)

	t.Setenv("SOLGUARD_MODE", "trade")
	t.Setenv("SOLGUARD_REDIS_ADDR", "env-redis:6379")
	t.Setenv("SOLGUARD_SCHEDULER_MAX_RETRY_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 7, cfg.Scheduler.MaxRetryAttempts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
