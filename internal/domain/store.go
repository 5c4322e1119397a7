package domain

import (
	"context"
	"time"
)

// PositionFilter narrows List queries.
type PositionFilter struct {
	Instrument string
	Protocol   Protocol
	States     []PositionState

	// WithoutPendingAction keeps only positions with no in-flight action.
	WithoutPendingAction bool
}

// Match reports whether the position passes the filter.
func (f PositionFilter) Match(p Position) bool {
	if f.Instrument != "" && p.Instrument != f.Instrument {
		return false
	}
	if f.Protocol != "" && p.Protocol != f.Protocol {
		return false
	}
	if f.WithoutPendingAction && p.PendingActionID != "" {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if p.State == s {
			return true
		}
	}
	return false
}

// PositionStore is the authoritative table of known positions.
//
// Transition is the only way to change a position's state: it fails with
// ErrInvalidTransition unless the current state is in from, applies mutate
// (if non-nil) to the copy, writes it back atomically, and emits a
// state-change event. Blind overwrites of State through Upsert are rejected.
type PositionStore interface {
	Get(ctx context.Context, id string) (Position, error)
	Upsert(ctx context.Context, p Position) error
	List(ctx context.Context, f PositionFilter) ([]Position, error)
	Transition(ctx context.Context, id string, from []PositionState, to PositionState, mutate func(*Position)) (Position, error)

	// MarkEvaluated records the newest snapshot ID the position was
	// evaluated against. Not a state change, so it bypasses Transition.
	MarkEvaluated(ctx context.Context, id string, snapshotID uint64) error
}

// SnapshotCache keeps the latest market snapshot per instrument for
// late-joining consumers. Advisory only: the engine's ordering guard is
// in-process.
type SnapshotCache interface {
	SetLatest(ctx context.Context, snap MarketSnapshot) error
	Latest(ctx context.Context, instrument string) (MarketSnapshot, error)
}

// AuditStore is write-behind persistence for history and reconciliation:
// positions on every transition, actions on reaching a terminal state.
type AuditStore interface {
	SavePosition(ctx context.Context, p Position) error
	SaveAction(ctx context.Context, a Action) error
	ListClosedPositionsBefore(ctx context.Context, before time.Time, limit int) ([]Position, error)
	ListTerminalActionsBefore(ctx context.Context, before time.Time, limit int) ([]Action, error)
}
