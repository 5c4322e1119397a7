package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsol/solguard/internal/domain"
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

func (c *captureSink) byType(t domain.EventType) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testPosition(id string, state domain.PositionState) domain.Position {
	return domain.Position{
		ID:         id,
		Protocol:   domain.ProtocolJupiter,
		Instrument: "SOL-PERP",
		Side:       domain.SideLong,
		Size:       decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(100),
		Collateral: decimal.NewFromInt(500),
		State:      state,
		OpenedAt:   time.Now().UTC(),
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := NewPositionStore(nil)
	ctx := context.Background()

	p := testPosition("p1", domain.PositionOpen)
	require.NoError(t, s.Upsert(ctx, p))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.True(t, got.Size.Equal(p.Size))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpsertRejectsStateChange(t *testing.T) {
	s := NewPositionStore(nil)
	ctx := context.Background()

	p := testPosition("p1", domain.PositionOpen)
	require.NoError(t, s.Upsert(ctx, p))

	p.State = domain.PositionClosed
	err := s.Upsert(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpsertRejectsTerminalUpdate(t *testing.T) {
	s := NewPositionStore(nil)
	ctx := context.Background()

	p := testPosition("p1", domain.PositionClosing)
	require.NoError(t, s.Upsert(ctx, p))
	_, err := s.Transition(ctx, "p1",
		[]domain.PositionState{domain.PositionClosing}, domain.PositionClosed, nil)
	require.NoError(t, err)

	closed, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	closed.Collateral = decimal.NewFromInt(1)
	assert.ErrorIs(t, s.Upsert(ctx, closed), domain.ErrPositionTerminal)
}

func TestTransitionChecksFromStates(t *testing.T) {
	s := NewPositionStore(nil)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, testPosition("p1", domain.PositionOpen)))

	// Caller expects Closing but the position is Open.
	_, err := s.Transition(ctx, "p1",
		[]domain.PositionState{domain.PositionClosing}, domain.PositionClosed, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// Lifecycle table forbids Open -> Closed directly.
	_, err = s.Transition(ctx, "p1",
		[]domain.PositionState{domain.PositionOpen}, domain.PositionClosed, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// Legal path.
	got, err := s.Transition(ctx, "p1",
		[]domain.PositionState{domain.PositionOpen}, domain.PositionClosing, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, got.State)
}

func TestTransitionMutateIsAtomicWithStateChange(t *testing.T) {
	s := NewPositionStore(nil)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, testPosition("p1", domain.PositionClosing)))

	got, err := s.Transition(ctx, "p1",
		[]domain.PositionState{domain.PositionClosing}, domain.PositionClosed,
		func(p *domain.Position) {
			p.Size = decimal.Zero
			p.CloseReason = "stop_loss"
		})
	require.NoError(t, err)
	assert.True(t, got.Size.IsZero())
	assert.Equal(t, "stop_loss", got.CloseReason)
	require.NotNil(t, got.ClosedAt)

	// Terminal: no further transitions.
	_, err = s.Transition(ctx, "p1",
		[]domain.PositionState{domain.PositionClosed}, domain.PositionOpen, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTransitionPublishesEvents(t *testing.T) {
	sink := &captureSink{}
	s := NewPositionStore(sink)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testPosition("p1", domain.PositionOpening)))
	_, err := s.Transition(ctx, "p1",
		[]domain.PositionState{domain.PositionOpening}, domain.PositionOpen, nil)
	require.NoError(t, err)

	opened := sink.byType(domain.EventPositionOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, "p1", opened[0].PositionID)
	assert.Equal(t, string(domain.PositionOpening), opened[0].From)
	assert.Equal(t, string(domain.PositionOpen), opened[0].To)

	_, err = s.Transition(ctx, "p1",
		[]domain.PositionState{domain.PositionOpen}, domain.PositionFailed,
		func(p *domain.Position) { p.CloseReason = "urgent action failed" })
	require.NoError(t, err)

	failed := sink.byType(domain.EventPositionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "urgent action failed", failed[0].Reason)
}

func TestListFilters(t *testing.T) {
	s := NewPositionStore(nil)
	ctx := context.Background()

	a := testPosition("a", domain.PositionOpen)
	a.OpenedAt = time.Now().UTC().Add(-time.Hour)
	b := testPosition("b", domain.PositionOpen)
	b.Instrument = "ETH-PERP"
	c := testPosition("c", domain.PositionOpen)
	c.PendingActionID = "act-1"

	for _, p := range []domain.Position{a, b, c} {
		require.NoError(t, s.Upsert(ctx, p))
	}

	got, err := s.List(ctx, domain.PositionFilter{Instrument: "SOL-PERP"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID, "ordered by OpenedAt")

	got, err = s.List(ctx, domain.PositionFilter{
		Instrument:           "SOL-PERP",
		States:               []domain.PositionState{domain.PositionOpen},
		WithoutPendingAction: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestMarkEvaluatedMonotonic(t *testing.T) {
	s := NewPositionStore(nil)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, testPosition("p1", domain.PositionOpen)))

	require.NoError(t, s.MarkEvaluated(ctx, "p1", 7))
	require.NoError(t, s.MarkEvaluated(ctx, "p1", 3)) // older, ignored

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.LastSnapshotID)
}
