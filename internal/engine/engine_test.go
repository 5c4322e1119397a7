package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsol/solguard/internal/domain"
	"github.com/quillsol/solguard/internal/platform/sim"
	"github.com/quillsol/solguard/internal/scheduler"
	"github.com/quillsol/solguard/internal/store/memory"
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Publish(ev domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) count(t domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaults() RiskDefaults {
	return RiskDefaults{
		StopLoss:    dec("0.05"),
		TakeProfit:  dec("0.10"),
		MaxLeverage: dec("5"),
		MaxSizeUSD:  dec("100000"),
	}
}

func newHarness(t *testing.T, behavior sim.Behavior) (*Engine, *memory.PositionStore, *scheduler.Scheduler, *captureSink) {
	t.Helper()
	adapters := make([]domain.Adapter, 0, len(domain.Protocols))
	for _, p := range domain.Protocols {
		adapters = append(adapters, sim.New(p, behavior))
	}
	set, err := domain.NewAdapterSet(adapters...)
	require.NoError(t, err)

	sink := &captureSink{}
	store := memory.NewPositionStore(sink)
	sched := scheduler.New(scheduler.Config{
		MaxRetryAttempts:    3,
		ConfirmationTimeout: 2 * time.Second,
		RetryBaseDelay:      time.Millisecond,
		PollInterval:        5 * time.Millisecond,
	}, set, store, sink, slog.Default())
	t.Cleanup(sched.Close)

	eng := New(store, sched, nil, sink, defaults(), slog.Default())
	return eng, store, sched, sink
}

func snapshot(instrument string, id uint64, mark string) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Instrument: instrument,
		SnapshotID: id,
		MarkPrice:  dec(mark),
		Timestamp:  time.Now().UTC(),
	}
}

func TestOpenThenStopLossFlow(t *testing.T) {
	eng, store, sched, _ := newHarness(t, sim.Behavior{})
	ctx := context.Background()

	pos, err := eng.Open(ctx, OpenParams{
		Protocol:   domain.ProtocolDrift,
		Instrument: "SOL-PERP",
		Side:       domain.SideLong,
		Size:       dec("10"),
		EntryPrice: dec("100"),
		Collateral: dec("500"),
		Leverage:   dec("2"),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PositionOpen, pos.State)
	assert.True(t, pos.Risk.StopLoss.Equal(dec("0.05")), "defaults resolved at creation")

	// Mark drops 6%: stop-loss closes the position through the scheduler.
	eng.handleSnapshot(ctx, snapshot("SOL-PERP", 1, "94"))
	sched.Wait()

	got, err := store.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, got.State)
	assert.Equal(t, "stop_loss", got.CloseReason)
	assert.True(t, got.RealizedPnL.IsNegative())
}

func TestStaleSnapshotIgnored(t *testing.T) {
	eng, store, sched, _ := newHarness(t, sim.Behavior{})
	ctx := context.Background()

	pos, err := eng.Open(ctx, OpenParams{
		Protocol:   domain.ProtocolJupiter,
		Instrument: "SOL-PERP",
		Side:       domain.SideLong,
		Size:       dec("10"),
		EntryPrice: dec("100"),
		Collateral: dec("500"),
		Leverage:   dec("2"),
	})
	require.NoError(t, err)

	// A benign snapshot advances the high-water mark.
	eng.handleSnapshot(ctx, snapshot("SOL-PERP", 5, "101"))
	// An older, alarming snapshot arrives late and must not trigger anything.
	eng.handleSnapshot(ctx, snapshot("SOL-PERP", 3, "50"))
	sched.Wait()

	got, err := store.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, got.State)
	assert.Equal(t, uint64(5), got.LastSnapshotID)
}

func TestSnapshotBufferOverflowPublishesDrop(t *testing.T) {
	eng, _, _, sink := newHarness(t, sim.Behavior{})

	// Run is not started, so the buffer fills and overflows.
	for i := 0; i < cap(eng.snapCh)+10; i++ {
		eng.OnSnapshot(snapshot("SOL-PERP", uint64(i+1), "100"))
	}
	assert.Equal(t, 10, sink.count(domain.EventSnapshotDropped))
}

func TestOpenValidations(t *testing.T) {
	eng, _, _, _ := newHarness(t, sim.Behavior{})
	ctx := context.Background()

	var vErr *domain.ValidationError

	_, err := eng.Open(ctx, OpenParams{Protocol: "binance", Instrument: "SOL-PERP", Side: domain.SideLong, Size: dec("1")})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "protocol", vErr.Field)

	_, err = eng.Open(ctx, OpenParams{Protocol: domain.ProtocolDrift, Side: domain.SideLong, Size: dec("1")})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "instrument", vErr.Field)

	_, err = eng.Open(ctx, OpenParams{Protocol: domain.ProtocolDrift, Instrument: "SOL-PERP", Side: domain.SideLong, Size: dec("0")})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "size", vErr.Field)

	_, err = eng.Open(ctx, OpenParams{Protocol: domain.ProtocolDrift, Instrument: "SOL-PERP", Side: domain.SideLong, Size: dec("1"), Leverage: dec("50")})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "leverage", vErr.Field)

	// Notional above MaxSizeUSD.
	_, err = eng.Open(ctx, OpenParams{
		Protocol:   domain.ProtocolDrift,
		Instrument: "SOL-PERP",
		Side:       domain.SideLong,
		Size:       dec("10000"),
		EntryPrice: dec("100"),
	})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "size", vErr.Field)
}

func TestOpenRiskOverrides(t *testing.T) {
	eng, _, _, _ := newHarness(t, sim.Behavior{})

	sl := dec("0.02")
	pos, err := eng.Open(context.Background(), OpenParams{
		Protocol:   domain.ProtocolKamino,
		Instrument: "SOL-USDC",
		Side:       domain.SideNeutral,
		Size:       dec("100"),
		EntryPrice: dec("1"),
		Collateral: dec("100"),
		Leverage:   dec("1"),
		StopLoss:   &sl,
	})
	require.NoError(t, err)
	assert.True(t, pos.Risk.StopLoss.Equal(sl))
	assert.True(t, pos.Risk.TakeProfit.Equal(dec("0.10")), "unset override keeps default")
}

func TestManualCloseFraction(t *testing.T) {
	eng, store, sched, _ := newHarness(t, sim.Behavior{})
	ctx := context.Background()

	pos, err := eng.Open(ctx, OpenParams{
		Protocol:   domain.ProtocolDrift,
		Instrument: "SOL-PERP",
		Side:       domain.SideLong,
		Size:       dec("10"),
		EntryPrice: dec("100"),
		Collateral: dec("500"),
		Leverage:   dec("2"),
	})
	require.NoError(t, err)

	require.Error(t, eng.Close(ctx, pos.ID, dec("1.5")), "fraction above 1")
	require.Error(t, eng.Close(ctx, pos.ID, dec("0")), "zero fraction")

	require.NoError(t, eng.Close(ctx, pos.ID, dec("0.5")))
	sched.Wait()

	got, err := store.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, got.State)
	assert.True(t, got.Size.Equal(dec("5")), "got %s", got.Size)

	require.NoError(t, eng.Close(ctx, pos.ID, dec("1")))
	sched.Wait()

	got, err = store.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, got.State)
	assert.Equal(t, "manual", got.CloseReason)
}

func TestUpdateRiskParamsRejectedWhileActionPending(t *testing.T) {
	// Confirmation held back so the close below stays in flight; the
	// position is seeded directly since an open could never confirm either.
	eng, store, _, _ := newHarness(t, sim.Behavior{ConfirmAfterChecks: 1_000_000})
	ctx := context.Background()

	pos := domain.Position{
		ID:         "p1",
		Protocol:   domain.ProtocolDrift,
		Instrument: "SOL-PERP",
		Side:       domain.SideLong,
		Size:       dec("10"),
		EntryPrice: dec("100"),
		Collateral: dec("500"),
		Leverage:   dec("2"),
		Risk:       domain.RiskParams{StopLoss: dec("0.05")},
		State:      domain.PositionOpen,
		OpenedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Upsert(ctx, pos))

	require.NoError(t, eng.Close(ctx, pos.ID, dec("0.5")))

	err := eng.UpdateRiskParams(ctx, pos.ID, domain.RiskParams{StopLoss: dec("0.01")})
	assert.ErrorIs(t, err, domain.ErrActionAlreadyPending)

	// The in-flight action holds the position out of Open, untouched.
	got, err := store.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.PendingActionID)
	assert.True(t, got.Risk.StopLoss.Equal(dec("0.05")))
}

func TestUpdateRiskParamsApplies(t *testing.T) {
	eng, store, _, _ := newHarness(t, sim.Behavior{})
	ctx := context.Background()

	pos, err := eng.Open(ctx, OpenParams{
		Protocol:   domain.ProtocolDrift,
		Instrument: "SOL-PERP",
		Side:       domain.SideLong,
		Size:       dec("10"),
		EntryPrice: dec("100"),
		Collateral: dec("500"),
		Leverage:   dec("2"),
	})
	require.NoError(t, err)

	params := pos.Risk
	params.StopLoss = dec("0.03")
	require.NoError(t, eng.UpdateRiskParams(ctx, pos.ID, params))

	got, err := store.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.Risk.StopLoss.Equal(dec("0.03")))
}
