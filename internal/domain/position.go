package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position's exposure. Liquidity-provision
// positions are neutral.
type Side string

const (
	SideLong    Side = "long"
	SideShort   Side = "short"
	SideNeutral Side = "neutral"
)

// PositionState tracks the position lifecycle. Closed and Failed are
// terminal: a position in either state is immutable and retained only for
// history.
type PositionState string

const (
	PositionOpening       PositionState = "opening"
	PositionOpen          PositionState = "open"
	PositionActionPending PositionState = "action_pending"
	PositionClosing       PositionState = "closing"
	PositionClosed        PositionState = "closed"
	PositionFailed        PositionState = "failed"
)

// Terminal reports whether the state permits no further transitions.
func (s PositionState) Terminal() bool {
	return s == PositionClosed || s == PositionFailed
}

// RiskParams are the risk limits resolved for a position at creation time.
// They are immutable afterwards unless explicitly updated by command.
//
// StopLoss and TakeProfit are fractions of entry price (0.05 = 5%).
type RiskParams struct {
	StopLoss       decimal.Decimal
	TakeProfit     decimal.Decimal
	MaxLeverage    decimal.Decimal
	MaxSizeUSD     decimal.Decimal
	AutoClose      decimal.Decimal // loss fraction that force-closes regardless of stop-loss; zero disables
	RebalanceDrift decimal.Decimal // price drift fraction that triggers a rebalance; zero disables
	MaxAge         time.Duration   // position age that triggers a rebalance; zero disables
}

// Position is one open exposure on one protocol. All settled amounts are
// decimals; float64 never touches anything that settles on-chain.
type Position struct {
	ID         string
	Protocol   Protocol
	Instrument string
	Side       Side

	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	Collateral decimal.Decimal
	Leverage   decimal.Decimal

	Risk  RiskParams
	State PositionState

	// PendingActionID references the single in-flight action, if any. The
	// action itself is owned by the scheduler; the position holds only the
	// reference.
	PendingActionID string

	// LastSnapshotID is the ID of the newest market snapshot this position
	// was evaluated against, used to skip redundant evaluations.
	LastSnapshotID uint64

	RealizedPnL decimal.Decimal
	OpenedAt    time.Time
	ClosedAt    *time.Time
	CloseReason string
}

// EffectiveLeverage returns size*mark/collateral at the given mark price, or
// zero when the position carries no collateral (spot/LP exposures).
func (p Position) EffectiveLeverage(mark decimal.Decimal) decimal.Decimal {
	if p.Collateral.IsZero() {
		return decimal.Zero
	}
	return p.Size.Mul(mark).Div(p.Collateral)
}

// PnLFraction returns the signed price move relative to entry, from the
// position's perspective: positive is profit. Neutral positions report the
// absolute drift so symmetric rebalance thresholds apply.
func (p Position) PnLFraction(mark decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := mark.Sub(p.EntryPrice).Div(p.EntryPrice)
	switch p.Side {
	case SideShort:
		return move.Neg()
	case SideNeutral:
		return move.Abs()
	default:
		return move
	}
}

// NotionalUSD returns the position's notional value at the given mark price.
func (p Position) NotionalUSD(mark decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(mark)
}
