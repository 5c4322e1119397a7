package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillsol/solguard/internal/domain"
)

// AuditStore persists position and action history to PostgreSQL. It is a
// write-behind sink: the in-memory store stays authoritative, and failures
// here never block the trading path.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore using the client's connection pool.
func NewAuditStore(c *Client) *AuditStore {
	return &AuditStore{pool: c.Pool()}
}

// SavePosition upserts the position row, keyed by ID.
func (s *AuditStore) SavePosition(ctx context.Context, p domain.Position) error {
	const q = `
		INSERT INTO positions (
			id, protocol, instrument, side,
			size, entry_price, collateral, leverage,
			stop_loss, take_profit, max_leverage, max_size_usd,
			auto_close, rebalance_drift, max_age_seconds,
			state, last_snapshot_id, realized_pnl, close_reason,
			opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			size = EXCLUDED.size,
			entry_price = EXCLUDED.entry_price,
			collateral = EXCLUDED.collateral,
			leverage = EXCLUDED.leverage,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			max_leverage = EXCLUDED.max_leverage,
			max_size_usd = EXCLUDED.max_size_usd,
			auto_close = EXCLUDED.auto_close,
			rebalance_drift = EXCLUDED.rebalance_drift,
			max_age_seconds = EXCLUDED.max_age_seconds,
			state = EXCLUDED.state,
			last_snapshot_id = EXCLUDED.last_snapshot_id,
			realized_pnl = EXCLUDED.realized_pnl,
			close_reason = EXCLUDED.close_reason,
			closed_at = EXCLUDED.closed_at,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, q,
		p.ID, string(p.Protocol), p.Instrument, string(p.Side),
		p.Size, p.EntryPrice, p.Collateral, p.Leverage,
		p.Risk.StopLoss, p.Risk.TakeProfit, p.Risk.MaxLeverage, p.Risk.MaxSizeUSD,
		p.Risk.AutoClose, p.Risk.RebalanceDrift, int64(p.Risk.MaxAge/time.Second),
		string(p.State), int64(p.LastSnapshotID), p.RealizedPnL, p.CloseReason,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

// SaveAction upserts the action row, keyed by ID.
func (s *AuditStore) SaveAction(ctx context.Context, a domain.Action) error {
	const q = `
		INSERT INTO actions (
			id, position_id, kind, priority,
			size, collateral_delta, reason,
			state, attempt_count, tx_signature, submitted_at,
			last_error, requested_at, resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			attempt_count = EXCLUDED.attempt_count,
			tx_signature = EXCLUDED.tx_signature,
			submitted_at = EXCLUDED.submitted_at,
			last_error = EXCLUDED.last_error,
			resolved_at = EXCLUDED.resolved_at,
			updated_at = NOW()`

	var sig string
	var submittedAt *time.Time
	if a.Handle != nil {
		sig = a.Handle.Signature
		t := a.Handle.SubmittedAt
		submittedAt = &t
	}

	_, err := s.pool.Exec(ctx, q,
		a.ID, a.PositionID, string(a.Kind), string(a.Priority),
		a.Size, a.CollateralDelta, a.Reason,
		string(a.State), a.AttemptCount, sig, submittedAt,
		a.LastError, a.RequestedAt, a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save action %s: %w", a.ID, err)
	}
	return nil
}

// ListClosedPositionsBefore returns terminal positions whose close time
// precedes the cutoff, oldest first. Used by the archiver.
func (s *AuditStore) ListClosedPositionsBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	const q = `
		SELECT id, protocol, instrument, side,
			size, entry_price, collateral, leverage,
			stop_loss, take_profit, max_leverage, max_size_usd,
			auto_close, rebalance_drift, max_age_seconds,
			state, last_snapshot_id, realized_pnl, close_reason,
			opened_at, closed_at
		FROM positions
		WHERE closed_at IS NOT NULL AND closed_at < $1
		ORDER BY closed_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	return out, nil
}

// ListTerminalActionsBefore returns actions resolved before the cutoff,
// oldest first.
func (s *AuditStore) ListTerminalActionsBefore(ctx context.Context, before time.Time, limit int) ([]domain.Action, error) {
	const q = `
		SELECT id, position_id, kind, priority,
			size, collateral_delta, reason,
			state, attempt_count, tx_signature, submitted_at,
			last_error, requested_at, resolved_at
		FROM actions
		WHERE resolved_at IS NOT NULL AND resolved_at < $1
		ORDER BY resolved_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal actions: %w", err)
	}
	defer rows.Close()

	var out []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list terminal actions: %w", err)
	}
	return out, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p          domain.Position
		protocol   string
		side       string
		state      string
		maxAgeSecs int64
		lastSnapID int64
	)
	err := row.Scan(
		&p.ID, &protocol, &p.Instrument, &side,
		&p.Size, &p.EntryPrice, &p.Collateral, &p.Leverage,
		&p.Risk.StopLoss, &p.Risk.TakeProfit, &p.Risk.MaxLeverage, &p.Risk.MaxSizeUSD,
		&p.Risk.AutoClose, &p.Risk.RebalanceDrift, &maxAgeSecs,
		&state, &lastSnapID, &p.RealizedPnL, &p.CloseReason,
		&p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: scan position: %w", err)
	}
	p.Protocol = domain.Protocol(protocol)
	p.Side = domain.Side(side)
	p.State = domain.PositionState(state)
	p.Risk.MaxAge = time.Duration(maxAgeSecs) * time.Second
	p.LastSnapshotID = uint64(lastSnapID)
	return p, nil
}

func scanAction(row pgx.Row) (domain.Action, error) {
	var (
		a           domain.Action
		kind        string
		priority    string
		state       string
		sig         string
		submittedAt *time.Time
	)
	err := row.Scan(
		&a.ID, &a.PositionID, &kind, &priority,
		&a.Size, &a.CollateralDelta, &a.Reason,
		&state, &a.AttemptCount, &sig, &submittedAt,
		&a.LastError, &a.RequestedAt, &a.ResolvedAt,
	)
	if err != nil {
		return domain.Action{}, fmt.Errorf("postgres: scan action: %w", err)
	}
	a.Kind = domain.ActionKind(kind)
	a.Priority = domain.ActionPriority(priority)
	a.State = domain.ActionState(state)
	if sig != "" && submittedAt != nil {
		a.Handle = &domain.PendingHandle{Signature: sig, SubmittedAt: *submittedAt}
	}
	return a, nil
}
