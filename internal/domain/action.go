package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind enumerates the supported mutations of a position.
type ActionKind string

const (
	// ActionOpen appears only in adapter requests when establishing a new
	// position; it is never scheduled against an existing one.
	ActionOpen ActionKind = "open"

	ActionClose            ActionKind = "close"
	ActionPartialClose     ActionKind = "partial_close"
	ActionAddCollateral    ActionKind = "add_collateral"
	ActionRemoveCollateral ActionKind = "remove_collateral"
	ActionRebalance        ActionKind = "rebalance"
)

// ActionPriority tags how quickly an action must run. Urgent actions
// (stop-loss, leverage breach) escalate the owning position to Failed when
// retries are exhausted; Normal ones return it to Open.
type ActionPriority string

const (
	PriorityNormal ActionPriority = "normal"
	PriorityUrgent ActionPriority = "urgent"
)

// ActionState tracks the action lifecycle. Confirmed, Rejected, and
// Abandoned are terminal.
type ActionState string

const (
	ActionQueued               ActionState = "queued"
	ActionSubmitted            ActionState = "submitted"
	ActionAwaitingConfirmation ActionState = "awaiting_confirmation"
	ActionConfirmed            ActionState = "confirmed"
	ActionRejected             ActionState = "rejected"
	ActionAbandoned            ActionState = "abandoned"
)

// Terminal reports whether the action can change state again.
func (s ActionState) Terminal() bool {
	return s == ActionConfirmed || s == ActionRejected || s == ActionAbandoned
}

// Action is a requested mutation of a position. While pending it is owned
// exclusively by the scheduler: the scheduler is the sole writer of its
// state and the sole caller into protocol adapters.
type Action struct {
	ID         string
	PositionID string
	Kind       ActionKind
	Priority   ActionPriority

	// Size is the base-asset quantity for close/partial-close actions.
	Size decimal.Decimal
	// CollateralDelta is the signed collateral change for collateral actions.
	CollateralDelta decimal.Decimal
	// PriceHint is the mark price observed when the action was decided. Zero
	// for commands issued without a market snapshot.
	PriceHint decimal.Decimal

	// Reason records what produced the action: "stop_loss", "take_profit",
	// "leverage_cap", "rebalance", or "manual".
	Reason string

	State        ActionState
	AttemptCount int
	Handle       *PendingHandle
	LastError    string

	// CancelRequested suppresses retries and confirmation-triggered
	// follow-ups. It cannot retract an already broadcast transaction.
	CancelRequested bool

	RequestedAt time.Time
	ResolvedAt  *time.Time
}
