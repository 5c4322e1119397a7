package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// TradeMode runs the full stack: market feed, risk engine, scheduler,
// telemetry, and the history archiver. It blocks until the context is
// cancelled or a component fails terminally.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "trade mode starting")
	return a.run(ctx, deps)
}

// DryRunMode runs the engine against simulated adapters with an in-process
// feed. No database or object storage is touched; everything else behaves
// exactly as in trade mode.
func (a *App) DryRunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "dry-run mode starting, orders will not reach any venue")
	return a.run(ctx, deps)
}

func (a *App) run(ctx context.Context, deps *Dependencies) error {
	if deps.Notifier != nil {
		// Unfiltered: operators always learn about starts and stops.
		if err := deps.Notifier.NotifyAll(ctx, "solguard started", "mode: "+a.cfg.Mode); err != nil {
			a.logger.Warn("startup notification failed", slog.String("error", err.Error()))
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := deps.Notifier.NotifyAll(stopCtx, "solguard stopped", "mode: "+a.cfg.Mode); err != nil {
				a.logger.Warn("shutdown notification failed", slog.String("error", err.Error()))
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Engine.Run(ctx)
	})

	g.Go(func() error {
		return deps.Feed.Run(ctx)
	})

	if deps.Telemetry != nil {
		g.Go(func() error {
			return deps.Telemetry.Run()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := deps.Telemetry.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			err := deps.Archiver.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
