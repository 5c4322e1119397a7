package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quillsol/solguard/internal/domain"
)

// RiskDefaults are the configuration-level risk limits resolved into each
// position's RiskParams at creation. Per-position overrides in OpenParams
// win over these.
type RiskDefaults struct {
	StopLoss       decimal.Decimal
	TakeProfit     decimal.Decimal
	MaxLeverage    decimal.Decimal
	MaxSizeUSD     decimal.Decimal
	AutoClose      decimal.Decimal
	RebalanceDrift decimal.Decimal
	MaxAge         time.Duration
}

// OpenParams describes a position to establish.
type OpenParams struct {
	Protocol   domain.Protocol
	Instrument string
	Side       domain.Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal // expected entry, used for sizing checks and slippage hints
	Collateral decimal.Decimal
	Leverage   decimal.Decimal

	// Optional overrides of the configured defaults.
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// Open validates the request against the configured limits, submits the
// opening transaction, and returns the position once the open confirms. No
// position exists until then.
func (e *Engine) Open(ctx context.Context, params OpenParams) (domain.Position, error) {
	if _, err := domain.ParseProtocol(string(params.Protocol)); err != nil {
		return domain.Position{}, err
	}
	if params.Instrument == "" {
		return domain.Position{}, &domain.ValidationError{Field: "instrument", Reason: "required"}
	}
	if !params.Size.IsPositive() {
		return domain.Position{}, &domain.ValidationError{Field: "size", Reason: "must be positive"}
	}
	switch params.Side {
	case domain.SideLong, domain.SideShort, domain.SideNeutral:
	default:
		return domain.Position{}, &domain.ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", params.Side)}
	}
	if params.Leverage.GreaterThan(e.defaults.MaxLeverage) {
		return domain.Position{}, &domain.ValidationError{
			Field:  "leverage",
			Reason: fmt.Sprintf("%s exceeds max leverage %s", params.Leverage, e.defaults.MaxLeverage),
		}
	}
	if e.defaults.MaxSizeUSD.IsPositive() && params.EntryPrice.IsPositive() {
		notional := params.Size.Mul(params.EntryPrice)
		if notional.GreaterThan(e.defaults.MaxSizeUSD) {
			return domain.Position{}, &domain.ValidationError{
				Field:  "size",
				Reason: fmt.Sprintf("notional %s exceeds max position size %s", notional, e.defaults.MaxSizeUSD),
			}
		}
	}

	riskParams := domain.RiskParams{
		StopLoss:       e.defaults.StopLoss,
		TakeProfit:     e.defaults.TakeProfit,
		MaxLeverage:    e.defaults.MaxLeverage,
		MaxSizeUSD:     e.defaults.MaxSizeUSD,
		AutoClose:      e.defaults.AutoClose,
		RebalanceDrift: e.defaults.RebalanceDrift,
		MaxAge:         e.defaults.MaxAge,
	}
	if params.StopLoss != nil {
		riskParams.StopLoss = *params.StopLoss
	}
	if params.TakeProfit != nil {
		riskParams.TakeProfit = *params.TakeProfit
	}

	draft := domain.Position{
		Protocol:   params.Protocol,
		Instrument: params.Instrument,
		Side:       params.Side,
		Size:       params.Size,
		EntryPrice: params.EntryPrice,
		Collateral: params.Collateral,
		Leverage:   params.Leverage,
		Risk:       riskParams,
	}
	return e.sched.OpenPosition(ctx, draft)
}

// Close requests a full or partial close of a position. fraction must be in
// (0, 1]; 1 closes the whole position.
func (e *Engine) Close(ctx context.Context, positionID string, fraction decimal.Decimal) error {
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return &domain.ValidationError{Field: "fraction", Reason: "must be in (0, 1]"}
	}
	pos, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.State.Terminal() {
		return fmt.Errorf("engine: close %s: %w", positionID, domain.ErrPositionTerminal)
	}

	kind := domain.ActionClose
	size := pos.Size
	if fraction.LessThan(decimal.NewFromInt(1)) {
		kind = domain.ActionPartialClose
		size = pos.Size.Mul(fraction)
	}
	return e.sched.Submit(ctx, domain.Action{
		PositionID:  positionID,
		Kind:        kind,
		Priority:    domain.PriorityNormal,
		Size:        size,
		Reason:      "manual",
		RequestedAt: time.Now().UTC(),
	})
}

// UpdateRiskParams replaces a position's risk limits. It is rejected while
// an action is in flight so the evaluator never mixes old and new limits
// for the same pending decision.
func (e *Engine) UpdateRiskParams(ctx context.Context, positionID string, params domain.RiskParams) error {
	pos, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.State.Terminal() {
		return fmt.Errorf("engine: update risk params %s: %w", positionID, domain.ErrPositionTerminal)
	}
	if pos.PendingActionID != "" {
		return fmt.Errorf("engine: update risk params %s: %w", positionID, domain.ErrActionAlreadyPending)
	}
	if params.StopLoss.IsNegative() || params.TakeProfit.IsNegative() || params.MaxLeverage.IsNegative() {
		return &domain.ValidationError{Field: "risk_params", Reason: "fractions must not be negative"}
	}

	pos.Risk = params
	return e.positions.Upsert(ctx, pos)
}

// ListPositions returns positions matching the filter.
func (e *Engine) ListPositions(ctx context.Context, f domain.PositionFilter) ([]domain.Position, error) {
	return e.positions.List(ctx, f)
}

// CancelPending requests best-effort cancellation of a position's in-flight
// action.
func (e *Engine) CancelPending(positionID string) error {
	return e.sched.Cancel(positionID)
}
