package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/quillsol/solguard/internal/blob/s3"
	"github.com/quillsol/solguard/internal/cache/redis"
	"github.com/quillsol/solguard/internal/config"
	"github.com/quillsol/solguard/internal/domain"
	"github.com/quillsol/solguard/internal/engine"
	"github.com/quillsol/solguard/internal/feed"
	"github.com/quillsol/solguard/internal/notify"
	"github.com/quillsol/solguard/internal/platform/sim"
	"github.com/quillsol/solguard/internal/scheduler"
	"github.com/quillsol/solguard/internal/store/memory"
	"github.com/quillsol/solguard/internal/store/postgres"
	"github.com/quillsol/solguard/internal/telemetry"
)

// Dependencies bundles everything the operating modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Positions domain.PositionStore
	Audit     domain.AuditStore // nil in dry-run without postgres
	Snapshots domain.SnapshotCache
	Adapters  *domain.AdapterSet

	Scheduler *scheduler.Scheduler
	Engine    *engine.Engine
	Feed      feed.Feed

	Notifier   *notify.Notifier
	NotifySink *notify.Sink
	Metrics    *telemetry.Metrics
	Telemetry  *telemetry.Server // nil when disabled
	Archiver   *s3blob.Archiver  // nil unless s3 and postgres are wired
}

// needsPostgres reports whether the mode requires the audit database.
func needsPostgres(mode string) bool {
	return mode == "trade"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that must
// be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL audit store ---
	if needsPostgres(mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Audit = postgres.NewAuditStore(pgClient)
	}

	// --- Redis snapshot cache (trade mode only; dry-run stays in-process) ---
	if mode == "trade" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Snapshots = redis.NewSnapshotCache(redisClient)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.NotifySink = notify.NewSink(deps.Notifier, logger)
	closers = append(closers, deps.NotifySink.Close)

	// --- Telemetry ---
	deps.Metrics = telemetry.NewMetrics()
	if cfg.Telemetry.Enabled {
		deps.Telemetry = telemetry.NewServer(cfg.Telemetry.ListenAddr, deps.Metrics, logger)
	}

	sink := domain.MultiSink{deps.Metrics, deps.NotifySink}

	// --- Position store ---
	var storeOpts []memory.Option
	if deps.Audit != nil {
		storeOpts = append(storeOpts, memory.WithAudit(deps.Audit))
	}
	deps.Positions = memory.NewPositionStore(sink, storeOpts...)

	// --- Protocol adapters ---
	// Sim adapters stand in behind the Adapter interface for every venue;
	// live transaction builders plug into the same set.
	adapters := make([]domain.Adapter, 0, len(domain.Protocols))
	for _, p := range domain.Protocols {
		adapters = append(adapters, sim.New(p, sim.Behavior{}))
	}
	set, err := domain.NewAdapterSet(adapters...)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: adapters: %w", err)
	}
	deps.Adapters = set

	// --- Scheduler ---
	var schedOpts []scheduler.Option
	if deps.Audit != nil {
		schedOpts = append(schedOpts, scheduler.WithAudit(deps.Audit))
	}
	deps.Scheduler = scheduler.New(scheduler.Config{
		MaxRetryAttempts:     cfg.Scheduler.MaxRetryAttempts,
		ConfirmationTimeout:  cfg.Scheduler.ConfirmationTimeout(),
		RetryBaseDelay:       cfg.Scheduler.RetryBaseDelay(),
		PollInterval:         cfg.Scheduler.PollInterval(),
		MaxConcurrentSubmits: cfg.Scheduler.MaxConcurrentSubmits,
	}, set, deps.Positions, sink, logger, schedOpts...)
	closers = append(closers, deps.Scheduler.Close)

	// --- Engine ---
	stopLoss, takeProfit, maxLeverage, maxSizeUSD, autoClose, rebalanceDrift := cfg.Risk.RiskDecimals()
	deps.Engine = engine.New(deps.Positions, deps.Scheduler, deps.Snapshots, sink, engine.RiskDefaults{
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		MaxLeverage:    maxLeverage,
		MaxSizeUSD:     maxSizeUSD,
		AutoClose:      autoClose,
		RebalanceDrift: rebalanceDrift,
		MaxAge:         time.Duration(cfg.Risk.MaxAgeHours) * time.Hour,
	}, logger)

	// --- Market feed ---
	if mode == "trade" {
		deps.Feed = feed.NewWSFeed(cfg.Feed.WsURL, cfg.Feed.Instruments, logger)
	} else {
		deps.Feed = feed.NewChannelFeed(0)
	}
	deps.Feed.Subscribe(deps.Engine.OnSnapshot)

	// --- S3 archiver ---
	if cfg.S3.Enabled && deps.Audit != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         true,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.Audit,
			cfg.S3.Prefix,
			time.Duration(cfg.S3.IntervalHours)*time.Hour,
			time.Duration(cfg.S3.RetainDays)*24*time.Hour,
			logger,
		)
	}

	return deps, cleanup, nil
}
