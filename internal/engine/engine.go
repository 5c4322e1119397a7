// Package engine is the coordinating loop of the risk-enforcement core: it
// ingests market snapshots in per-instrument order, runs the risk evaluator
// over eligible positions, and forwards recommendations to the scheduler.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quillsol/solguard/internal/domain"
	"github.com/quillsol/solguard/internal/risk"
	"github.com/quillsol/solguard/internal/scheduler"
)

// Engine wires the position store, risk evaluator, and action scheduler
// together. Snapshot handling runs on a single goroutine, which preserves
// per-instrument ordering without locks; evaluation itself never blocks.
type Engine struct {
	positions domain.PositionStore
	sched     *scheduler.Scheduler
	snapshots domain.SnapshotCache // optional write-through for observers
	sink      domain.EventSink
	defaults  RiskDefaults
	logger    *slog.Logger

	snapCh chan domain.MarketSnapshot

	// lastApplied tracks the newest snapshot ID seen per instrument. Only
	// the snapshot goroutine touches it.
	lastApplied map[string]uint64
}

// New creates an Engine. The snapshot cache and sink may be nil.
func New(positions domain.PositionStore, sched *scheduler.Scheduler, snapshots domain.SnapshotCache, sink domain.EventSink, defaults RiskDefaults, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Engine{
		positions:   positions,
		sched:       sched,
		snapshots:   snapshots,
		sink:        sink,
		defaults:    defaults,
		logger:      logger.With(slog.String("component", "engine")),
		snapCh:      make(chan domain.MarketSnapshot, 1024),
		lastApplied: make(map[string]uint64),
	}
}

// OnSnapshot enqueues a market snapshot for evaluation. It never blocks:
// when the buffer is full the snapshot is dropped and a drop event is
// published, since a newer snapshot for the instrument is already behind it.
func (e *Engine) OnSnapshot(snap domain.MarketSnapshot) {
	select {
	case e.snapCh <- snap:
	default:
		e.sink.Publish(domain.Event{
			ID:         uuid.NewString(),
			Type:       domain.EventSnapshotDropped,
			Instrument: snap.Instrument,
			Reason:     "snapshot buffer full",
			At:         time.Now().UTC(),
		})
	}
}

// Run consumes snapshots until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.snapshotLoop(ctx) })
	return g.Wait()
}

func (e *Engine) snapshotLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-e.snapCh:
			e.handleSnapshot(ctx, snap)
		}
	}
}

// handleSnapshot applies one snapshot: stale IDs are dropped, eligible
// positions are evaluated, and every recommendation is submitted to the
// scheduler.
func (e *Engine) handleSnapshot(ctx context.Context, snap domain.MarketSnapshot) {
	if !snap.Newer(e.lastApplied[snap.Instrument]) {
		e.logger.Debug("dropping stale snapshot",
			slog.String("instrument", snap.Instrument),
			slog.Uint64("snapshot_id", snap.SnapshotID),
			slog.Uint64("last_applied", e.lastApplied[snap.Instrument]),
		)
		return
	}
	e.lastApplied[snap.Instrument] = snap.SnapshotID

	if e.snapshots != nil {
		if err := e.snapshots.SetLatest(ctx, snap); err != nil {
			e.logger.Warn("snapshot cache write failed",
				slog.String("instrument", snap.Instrument),
				slog.String("error", err.Error()),
			)
		}
	}

	// Positions with a pending action are excluded here, before the
	// evaluator runs, so it stays pure and recommendation-free of
	// in-flight knowledge.
	eligible, err := e.positions.List(ctx, domain.PositionFilter{
		Instrument:           snap.Instrument,
		States:               []domain.PositionState{domain.PositionOpen},
		WithoutPendingAction: true,
	})
	if err != nil {
		e.logger.Error("listing positions failed",
			slog.String("instrument", snap.Instrument),
			slog.String("error", err.Error()),
		)
		return
	}

	now := time.Now().UTC()
	for _, pos := range eligible {
		if !snap.Newer(pos.LastSnapshotID) {
			continue
		}
		if err := e.positions.MarkEvaluated(ctx, pos.ID, snap.SnapshotID); err != nil {
			e.logger.Warn("mark evaluated failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}

		rec := risk.Evaluate(pos, snap, now)
		if rec == nil {
			continue
		}
		e.submitRecommendation(ctx, pos, snap, rec)
	}
}

func (e *Engine) submitRecommendation(ctx context.Context, pos domain.Position, snap domain.MarketSnapshot, rec *risk.Recommendation) {
	action := domain.Action{
		ID:          uuid.NewString(),
		PositionID:  pos.ID,
		Kind:        rec.Kind,
		Priority:    rec.Priority,
		Size:        rec.Size,
		PriceHint:   snap.MarkPrice,
		Reason:      rec.Reason,
		RequestedAt: time.Now().UTC(),
	}
	if err := e.sched.Submit(ctx, action); err != nil {
		// ActionAlreadyPending is a benign race with a manual command; the
		// next snapshot re-evaluates. Anything else is surfaced.
		if scheduler.IsActionAlreadyPending(err) {
			return
		}
		e.logger.Error("risk action submission failed",
			slog.String("position_id", pos.ID),
			slog.String("kind", string(rec.Kind)),
			slog.String("reason", rec.Reason),
			slog.String("error", err.Error()),
		)
		return
	}
	e.logger.Info("risk action submitted",
		slog.String("position_id", pos.ID),
		slog.String("instrument", pos.Instrument),
		slog.String("kind", string(rec.Kind)),
		slog.String("priority", string(rec.Priority)),
		slog.String("reason", rec.Reason),
		slog.String("mark_price", snap.MarkPrice.String()),
	)
}
