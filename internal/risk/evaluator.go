// Package risk contains the pure position risk evaluator. It performs no
// I/O and mutates nothing: the same (position, snapshot) input always yields
// the same recommendation, which keeps it independently testable.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quillsol/solguard/internal/domain"
)

// Recommendation is the single action the evaluator proposes for a position,
// or nil when no rule fires.
type Recommendation struct {
	Kind     domain.ActionKind
	Priority domain.ActionPriority
	// Size is the base-asset quantity for close/partial-close actions.
	Size   decimal.Decimal
	Reason string
}

// Rule reasons, recorded on the resulting action and surfaced in events.
const (
	ReasonStopLoss    = "stop_loss"
	ReasonAutoClose   = "auto_close"
	ReasonTakeProfit  = "take_profit"
	ReasonLeverageCap = "leverage_cap"
	ReasonRebalance   = "rebalance"
)

// Evaluate applies the risk rules to one position against the latest market
// snapshot for its instrument. Rules run in fixed priority order and the
// first match wins:
//
//  1. stop-loss breach        -> Close (urgent)
//  2. take-profit reached     -> Close (normal)
//  3. leverage above ceiling  -> PartialClose sized to restore the cap (urgent)
//  4. rebalance policy        -> Rebalance (normal)
//
// The caller is responsible for skipping positions that already carry a
// pending action; the evaluator does not know about in-flight state.
func Evaluate(p domain.Position, snap domain.MarketSnapshot, now time.Time) *Recommendation {
	if p.State != domain.PositionOpen {
		return nil
	}
	if snap.Instrument != p.Instrument || snap.MarkPrice.IsZero() {
		return nil
	}

	pnl := p.PnLFraction(snap.MarkPrice)

	// Rule 1: mark crossed the stop-loss threshold below entry.
	if p.Risk.StopLoss.IsPositive() && pnl.LessThanOrEqual(p.Risk.StopLoss.Neg()) {
		return &Recommendation{
			Kind:     domain.ActionClose,
			Priority: domain.PriorityUrgent,
			Size:     p.Size,
			Reason:   ReasonStopLoss,
		}
	}

	// Rule 1b: hard loss backstop. Catches positions whose per-position
	// stop-loss was disabled or loosened past the account-wide limit.
	if p.Risk.AutoClose.IsPositive() && pnl.LessThanOrEqual(p.Risk.AutoClose.Neg()) {
		return &Recommendation{
			Kind:     domain.ActionClose,
			Priority: domain.PriorityUrgent,
			Size:     p.Size,
			Reason:   ReasonAutoClose,
		}
	}

	// Rule 2: mark crossed the take-profit threshold above entry.
	if p.Risk.TakeProfit.IsPositive() && pnl.GreaterThanOrEqual(p.Risk.TakeProfit) {
		return &Recommendation{
			Kind:     domain.ActionClose,
			Priority: domain.PriorityNormal,
			Size:     p.Size,
			Reason:   ReasonTakeProfit,
		}
	}

	// Rule 3: effective leverage above the cap. Removing collateral would
	// push leverage further out; close just enough to restore the ceiling.
	if p.Risk.MaxLeverage.IsPositive() {
		eff := p.EffectiveLeverage(snap.MarkPrice)
		if eff.GreaterThan(p.Risk.MaxLeverage) {
			closeFraction := decimal.NewFromInt(1).Sub(p.Risk.MaxLeverage.Div(eff))
			return &Recommendation{
				Kind:     domain.ActionPartialClose,
				Priority: domain.PriorityUrgent,
				Size:     p.Size.Mul(closeFraction),
				Reason:   ReasonLeverageCap,
			}
		}
	}

	// Rule 4: configured rebalance policy (age or price drift).
	if p.Risk.MaxAge > 0 && now.Sub(p.OpenedAt) >= p.Risk.MaxAge {
		return &Recommendation{
			Kind:     domain.ActionRebalance,
			Priority: domain.PriorityNormal,
			Reason:   ReasonRebalance,
		}
	}
	if p.Risk.RebalanceDrift.IsPositive() && pnl.Abs().GreaterThanOrEqual(p.Risk.RebalanceDrift) {
		return &Recommendation{
			Kind:     domain.ActionRebalance,
			Priority: domain.PriorityNormal,
			Reason:   ReasonRebalance,
		}
	}

	return nil
}
