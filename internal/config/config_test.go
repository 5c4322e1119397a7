package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "dry-run", cfg.Mode)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetryAttempts)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.ConfirmationTimeout())
	assert.Equal(t, 2*time.Second, cfg.Scheduler.RetryBaseDelay())
	assert.Equal(t, time.Second, cfg.Scheduler.PollInterval())
	assert.Equal(t, 16, cfg.Scheduler.MaxConcurrentSubmits)
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadRiskFractions(t *testing.T) {
	cfg := Defaults()
	cfg.Risk.StopLossDefault = "five percent"
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Risk.TakeProfitDefault = "-0.1"
	assert.Error(t, cfg.Validate())
}

func TestValidateTradeModeRequiresInfra(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	assert.Error(t, cfg.Validate(), "no postgres, no feed")

	cfg.Postgres.Host = "localhost"
	assert.Error(t, cfg.Validate(), "still no feed url")

	cfg.Feed.WsURL = "wss://feed.example.com/ws"
	assert.NoError(t, cfg.Validate())
}

func TestValidateS3RequiresBucket(t *testing.T) {
	cfg := Defaults()
	cfg.S3.Enabled = true
	assert.Error(t, cfg.Validate())

	cfg.S3.Bucket = "solguard-archive"
	assert.NoError(t, cfg.Validate())
}

func TestValidateSchedulerBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Scheduler.MaxRetryAttempts = -1
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Scheduler.ConfirmationTimeoutSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Scheduler.PollIntervalMs = 0
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Scheduler.MaxConcurrentSubmits = 0
	assert.Error(t, cfg.Validate())
}

func TestRiskDecimals(t *testing.T) {
	cfg := Defaults()
	stopLoss, takeProfit, maxLeverage, maxSizeUSD, autoClose, drift := cfg.Risk.RiskDecimals()
	assert.Equal(t, "0.05", stopLoss.String())
	assert.Equal(t, "0.1", takeProfit.String())
	assert.Equal(t, "5", maxLeverage.String())
	assert.Equal(t, "10000", maxSizeUSD.String())
	assert.Equal(t, "0.15", autoClose.String())
	assert.True(t, drift.IsZero())
}
