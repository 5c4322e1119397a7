// Package scheduler serializes position-mutating actions, drives them
// through protocol adapters, and tracks confirmation with retry and
// reconciliation. It is the sole writer of action state and the sole caller
// into adapters.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quillsol/solguard/internal/domain"
)

// Config tunes submission, confirmation, and retry behavior.
type Config struct {
	// MaxRetryAttempts is the total number of submission attempts per
	// action before it is abandoned.
	MaxRetryAttempts int
	// ConfirmationTimeout bounds how long one broadcast is awaited before
	// the outcome is treated as ambiguous.
	ConfirmationTimeout time.Duration
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
	// PollInterval is the cadence of adapter Check calls while awaiting
	// confirmation.
	PollInterval time.Duration
	// MaxConcurrentSubmits bounds how many actions may be driven through
	// adapters at once across all positions.
	MaxConcurrentSubmits int
	// NotFoundGrace is how long a missing signature is still treated as
	// possibly in flight. A NotFound check result younger than this proves
	// nothing: the transaction can land until its blockhash expires.
	NotFoundGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 60 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxConcurrentSubmits <= 0 {
		c.MaxConcurrentSubmits = 16
	}
	if c.NotFoundGrace <= 0 {
		c.NotFoundGrace = 90 * time.Second
	}
	return c
}

// Scheduler owns every pending action. It guarantees at most one in-flight
// action per position: the per-position slot is reserved under the internal
// mutex, which is never held across a network call. Separate positions
// submit concurrently without ordering constraints between them.
type Scheduler struct {
	cfg       Config
	adapters  *domain.AdapterSet
	positions domain.PositionStore
	audit     domain.AuditStore // optional
	sink      domain.EventSink
	logger    *slog.Logger

	// mu guards the inflight map and every mutable field of the actions it
	// holds. Drive goroutines, Pending, Cancel, and ResolveConfirmation all
	// touch the same action structs, so reads and writes alike go through it.
	mu       sync.Mutex
	inflight map[string]*domain.Action // keyed by position ID

	sem chan struct{} // bounds concurrent drive loops

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAudit attaches terminal-action persistence.
func WithAudit(a domain.AuditStore) Option {
	return func(s *Scheduler) { s.audit = a }
}

// New creates a Scheduler. Close must be called on shutdown to stop
// confirmation tracking.
func New(cfg Config, adapters *domain.AdapterSet, positions domain.PositionStore, sink domain.EventSink, logger *slog.Logger, opts ...Option) *Scheduler {
	if sink == nil {
		sink = domain.NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:       cfg,
		adapters:  adapters,
		positions: positions,
		sink:      sink,
		logger:    logger.With(slog.String("component", "scheduler")),
		inflight:  make(map[string]*domain.Action),
		sem:       make(chan struct{}, cfg.MaxConcurrentSubmits),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops all confirmation tracking and waits for in-flight goroutines
// to drain. Broadcast transactions are not retracted; their outcomes are
// reconciled on next startup from the audit store.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every background submission and confirmation loop has
// finished. Intended for tests and for drain-on-shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Pending returns the in-flight action for a position, if any.
func (s *Scheduler) Pending(positionID string) (domain.Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.inflight[positionID]
	if !ok {
		return domain.Action{}, false
	}
	return *a, true
}

// Cancel marks the position's pending action for best-effort cancellation.
// A broadcast transaction cannot be retracted; cancellation only suppresses
// retries and leaves confirmation handling intact.
func (s *Scheduler) Cancel(positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.inflight[positionID]
	if !ok {
		return fmt.Errorf("scheduler: no pending action for position %s: %w", positionID, domain.ErrNotFound)
	}
	a.CancelRequested = true
	return nil
}

// Submit validates that no conflicting action exists for the position,
// reserves the per-position slot, moves the position out of Open, and
// drives the first adapter submission. Confirmation tracking and retries
// continue in the background; terminal outcomes are published as events.
//
// A second action for the same position is rejected with
// ErrActionAlreadyPending until the first reaches a terminal state.
func (s *Scheduler) Submit(ctx context.Context, action domain.Action) error {
	if err := validate(action); err != nil {
		return err
	}
	adapter, pos, err := s.reserve(ctx, &action)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drive(&action, adapter, buildRequest(action, pos))
	}()
	return nil
}

func validate(action domain.Action) error {
	switch action.Kind {
	case domain.ActionClose, domain.ActionPartialClose:
		if !action.Size.IsPositive() {
			return &domain.ValidationError{Field: "size", Reason: "must be positive for close actions"}
		}
	case domain.ActionAddCollateral, domain.ActionRemoveCollateral:
		if action.CollateralDelta.IsZero() {
			return &domain.ValidationError{Field: "collateral_delta", Reason: "must be non-zero for collateral actions"}
		}
	case domain.ActionRebalance:
	default:
		return &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported action kind %q", action.Kind)}
	}
	if action.PositionID == "" {
		return &domain.ValidationError{Field: "position_id", Reason: "required"}
	}
	return nil
}

// reserve claims the per-position slot and transitions the position out of
// Open. The slot is released again if the transition fails. The mutex is
// only held for map bookkeeping, never across the store call or a network
// call.
func (s *Scheduler) reserve(ctx context.Context, action *domain.Action) (domain.Adapter, domain.Position, error) {
	pos, err := s.positions.Get(ctx, action.PositionID)
	if err != nil {
		return nil, domain.Position{}, err
	}
	if pos.State.Terminal() {
		return nil, domain.Position{}, fmt.Errorf("scheduler: position %s: %w", pos.ID, domain.ErrPositionTerminal)
	}
	adapter, err := s.adapters.For(pos.Protocol)
	if err != nil {
		return nil, domain.Position{}, err
	}

	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.RequestedAt.IsZero() {
		action.RequestedAt = time.Now().UTC()
	}
	action.State = domain.ActionQueued

	s.mu.Lock()
	if _, busy := s.inflight[action.PositionID]; busy {
		s.mu.Unlock()
		return nil, domain.Position{}, fmt.Errorf("scheduler: position %s: %w", action.PositionID, domain.ErrActionAlreadyPending)
	}
	s.inflight[action.PositionID] = action
	s.mu.Unlock()

	// Full closes park the position in Closing; everything else in
	// ActionPending.
	target := domain.PositionActionPending
	if action.Kind == domain.ActionClose {
		target = domain.PositionClosing
	}
	_, err = s.positions.Transition(ctx, pos.ID,
		[]domain.PositionState{domain.PositionOpen},
		target,
		func(p *domain.Position) { p.PendingActionID = action.ID },
	)
	if err != nil {
		s.release(action.PositionID)
		return nil, domain.Position{}, err
	}
	return adapter, pos, nil
}

func (s *Scheduler) release(positionID string) {
	s.mu.Lock()
	delete(s.inflight, positionID)
	s.mu.Unlock()
}

func buildRequest(action domain.Action, pos domain.Position) domain.ActionRequest {
	return domain.ActionRequest{
		Protocol:        pos.Protocol,
		Instrument:      pos.Instrument,
		PositionID:      pos.ID,
		ActionID:        action.ID,
		Kind:            action.Kind,
		Side:            pos.Side,
		Size:            action.Size,
		CollateralDelta: action.CollateralDelta,
		PriceHint:       action.PriceHint,
	}
}

// drive runs the full submit / await / retry loop for one action. The drive
// goroutine is the only writer of the action's attempt and handle fields,
// but ResolveConfirmation can settle the action out from under it, so all
// field access goes through the mutex and every iteration re-checks for a
// terminal state first.
func (s *Scheduler) drive(action *domain.Action, adapter domain.Adapter, req domain.ActionRequest) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	for {
		if s.settled(action) {
			return
		}
		if s.attemptCount(action) >= s.cfg.MaxRetryAttempts {
			s.abandon(action, "retry attempts exhausted")
			return
		}
		if attempt := s.attemptCount(action); attempt > 0 {
			if s.canceled(action) {
				s.abandon(action, "canceled")
				return
			}
			delay := backoff(s.cfg.RetryBaseDelay, attempt)
			s.publishAction(domain.EventActionRetried, action, fmt.Sprintf("attempt %d in %s", attempt+1, delay))
			if !s.sleep(delay) {
				return
			}
			// A previous broadcast may have landed while we were backing
			// off. Never resubmit before reconciling by signature.
			if s.handle(action) != nil {
				switch s.reconcile(action, adapter) {
				case reconcileSettled:
					return
				case reconcileHold:
					// Fate still unknown. Spend the attempt waiting
					// instead of broadcasting a possible duplicate.
					s.mutate(action, func(a *domain.Action) { a.AttemptCount++ })
					continue
				case reconcileResubmit:
				}
			}
		}

		if !s.mutate(action, func(a *domain.Action) {
			a.AttemptCount++
			a.State = domain.ActionSubmitted
		}) {
			return
		}

		ctx, cancelSubmit := context.WithTimeout(s.ctx, s.cfg.ConfirmationTimeout)
		handle, err := adapter.Submit(ctx, req)
		cancelSubmit()
		if err != nil {
			if !s.mutate(action, func(a *domain.Action) {
				a.LastError = err.Error()
				a.Handle = nil
			}) {
				return
			}
			if domain.IsRetryable(err) {
				s.logger.Warn("submission failed, will retry",
					slog.String("action_id", action.ID),
					slog.String("position_id", action.PositionID),
					slog.Int("attempt", s.attemptCount(action)),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.reject(action, err.Error())
			return
		}

		if !s.mutate(action, func(a *domain.Action) {
			a.Handle = &handle
			a.State = domain.ActionAwaitingConfirmation
		}) {
			return
		}
		s.publishAction(domain.EventActionSubmitted, action, handle.Signature)

		outcome, ok := s.await(action, adapter)
		if !ok {
			return // scheduler shutting down
		}
		switch outcome.Status {
		case domain.CheckConfirmed:
			s.confirm(action, outcome.Effects)
			return
		case domain.CheckRejected, domain.CheckNotFound:
			s.mutate(action, func(a *domain.Action) { a.LastError = outcome.Reason })
			if outcome.Status == domain.CheckRejected && !outcome.Retryable {
				s.reject(action, outcome.Reason)
				return
			}
			continue
		default:
			// Still pending after the confirmation timeout: ambiguous
			// outcome, handled by reconciliation on the next loop.
			s.mutate(action, func(a *domain.Action) {
				a.LastError = domain.ErrConfirmationTimeout.Error()
			})
			continue
		}
	}
}

// await polls the adapter until the transaction resolves or the
// confirmation timeout elapses. A timeout returns a CheckPending result;
// the caller treats it as ambiguous.
func (s *Scheduler) await(action *domain.Action, adapter domain.Adapter) (domain.CheckResult, bool) {
	deadline := time.Now().Add(s.cfg.ConfirmationTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return domain.CheckResult{}, false
		case <-ticker.C:
		}
		if s.settled(action) {
			return domain.CheckResult{}, false
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PollInterval*4+time.Second)
		res, err := adapter.Check(ctx, *action.Handle)
		cancel()
		if err != nil {
			s.logger.Warn("confirmation check failed",
				slog.String("action_id", action.ID),
				slog.String("signature", action.Handle.Signature),
				slog.String("error", err.Error()),
			)
		} else if res.Status != domain.CheckPending {
			return res, true
		}

		if time.Now().After(deadline) {
			return domain.CheckResult{Status: domain.CheckPending}, true
		}
	}
}

// reconcileOutcome is the drive loop's verdict after reconciling a
// previously broadcast transaction by signature.
type reconcileOutcome int

const (
	// reconcileSettled means the action reached a terminal state here.
	reconcileSettled reconcileOutcome = iota
	// reconcileResubmit means the broadcast is proven absent or definitively
	// rejected as retryable; a fresh submission is safe.
	reconcileResubmit
	// reconcileHold means the fate is still unknown; resubmitting now could
	// double-execute.
	reconcileHold
)

// reconcile resolves the fate of a previously broadcast transaction before
// any resubmission.
func (s *Scheduler) reconcile(action *domain.Action, adapter domain.Adapter) reconcileOutcome {
	handle := *action.Handle

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConfirmationTimeout)
	res, err := adapter.Check(ctx, handle)
	cancel()
	if err != nil {
		s.logger.Warn("reconciliation check failed, holding off resubmission",
			slog.String("action_id", action.ID),
			slog.String("signature", handle.Signature),
			slog.String("error", err.Error()),
		)
		return reconcileHold
	}

	switch res.Status {
	case domain.CheckConfirmed:
		s.confirm(action, res.Effects)
		return reconcileSettled
	case domain.CheckPending:
		// Landed in the mempool after all; go back to waiting.
		outcome, ok := s.await(action, adapter)
		if !ok {
			return reconcileSettled
		}
		switch {
		case outcome.Status == domain.CheckConfirmed:
			s.confirm(action, outcome.Effects)
			return reconcileSettled
		case outcome.Status == domain.CheckRejected && !outcome.Retryable:
			s.reject(action, outcome.Reason)
			return reconcileSettled
		case outcome.Status == domain.CheckRejected:
			s.mutate(action, func(a *domain.Action) {
				a.Handle = nil
				a.LastError = outcome.Reason
			})
			return reconcileResubmit
		default:
			// Timed out while still pending.
			return reconcileHold
		}
	case domain.CheckRejected:
		if !res.Retryable {
			s.reject(action, res.Reason)
			return reconcileSettled
		}
		s.mutate(action, func(a *domain.Action) {
			a.Handle = nil
			a.LastError = res.Reason
		})
		return reconcileResubmit
	default:
		// NotFound proves absence only once the transaction can no longer
		// land; until the blockhash window has passed, treat it as ambiguous.
		if time.Since(handle.SubmittedAt) < s.cfg.NotFoundGrace {
			return reconcileHold
		}
		s.mutate(action, func(a *domain.Action) { a.Handle = nil })
		return reconcileResubmit
	}
}

func (s *Scheduler) canceled(action *domain.Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return action.CancelRequested
}

// settled reports whether the action reached a terminal state, typically
// through a pushed confirmation racing the drive loop.
func (s *Scheduler) settled(action *domain.Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return action.State.Terminal()
}

// mutate applies fn to the action under the mutex unless the action already
// settled out from under the drive loop. Concurrent readers (Pending,
// ResolveConfirmation) copy the action under the same mutex.
func (s *Scheduler) mutate(action *domain.Action, fn func(*domain.Action)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if action.State.Terminal() {
		return false
	}
	fn(action)
	return true
}

func (s *Scheduler) attemptCount(action *domain.Action) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return action.AttemptCount
}

func (s *Scheduler) handle(action *domain.Action) *domain.PendingHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return action.Handle
}

func (s *Scheduler) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// confirm applies a confirmed outcome to the action and its position.
// Re-processing the same confirmation is a no-op: the terminal-state check
// under the mutex makes application idempotent.
func (s *Scheduler) confirm(action *domain.Action, effects *domain.ActionEffects) {
	if !s.finish(action, domain.ActionConfirmed) {
		return
	}

	filled := action.Size
	fillPrice := decimal.Zero
	collateralDelta := action.CollateralDelta
	if effects != nil {
		if effects.FilledSize.IsPositive() {
			filled = effects.FilledSize
		}
		fillPrice = effects.FillPrice
		if !effects.CollateralDelta.IsZero() {
			collateralDelta = effects.CollateralDelta
		}
	}

	from := []domain.PositionState{domain.PositionActionPending, domain.PositionClosing}
	var to domain.PositionState
	var mutate func(*domain.Position)

	switch action.Kind {
	case domain.ActionClose, domain.ActionPartialClose:
		// Target state depends on the remaining size, so resolve it inside
		// the store's atomic transition via a two-phase read.
		pos, err := s.positions.Get(s.ctx, action.PositionID)
		if err != nil {
			s.logger.Error("confirmed action for unknown position",
				slog.String("action_id", action.ID),
				slog.String("position_id", action.PositionID),
				slog.String("error", err.Error()),
			)
			s.release(action.PositionID)
			return
		}
		remaining := pos.Size.Sub(filled)
		if remaining.IsPositive() {
			to = domain.PositionOpen
			mutate = func(p *domain.Position) {
				p.Size = p.Size.Sub(filled)
				p.PendingActionID = ""
				p.RealizedPnL = p.RealizedPnL.Add(realized(*p, filled, fillPrice))
			}
		} else {
			to = domain.PositionClosed
			mutate = func(p *domain.Position) {
				p.RealizedPnL = p.RealizedPnL.Add(realized(*p, p.Size, fillPrice))
				p.Size = decimal.Zero
				p.PendingActionID = ""
				p.CloseReason = action.Reason
			}
		}
	case domain.ActionAddCollateral, domain.ActionRemoveCollateral:
		to = domain.PositionOpen
		mutate = func(p *domain.Position) {
			p.Collateral = p.Collateral.Add(collateralDelta)
			p.PendingActionID = ""
		}
	case domain.ActionRebalance:
		to = domain.PositionOpen
		mutate = func(p *domain.Position) {
			if fillPrice.IsPositive() {
				p.EntryPrice = fillPrice
			}
			p.OpenedAt = time.Now().UTC()
			p.PendingActionID = ""
		}
	}

	if _, err := s.positions.Transition(context.WithoutCancel(s.ctx), action.PositionID, from, to, mutate); err != nil {
		s.logger.Error("failed to apply confirmation",
			slog.String("action_id", action.ID),
			slog.String("position_id", action.PositionID),
			slog.String("error", err.Error()),
		)
	}
	s.release(action.PositionID)
	s.publishAction(domain.EventActionConfirmed, action, action.Reason)
	s.archive(action)
}

// realized computes the PnL settled by closing `size` at `fillPrice`.
func realized(p domain.Position, size, fillPrice decimal.Decimal) decimal.Decimal {
	if fillPrice.IsZero() || p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := fillPrice.Sub(p.EntryPrice)
	if p.Side == domain.SideShort {
		move = move.Neg()
	}
	return move.Mul(size)
}

// reject finalizes an action after a structural (non-retryable) failure.
func (s *Scheduler) reject(action *domain.Action, reason string) {
	if !s.finish(action, domain.ActionRejected) {
		return
	}
	s.failOrReopen(action, reason)
	s.release(action.PositionID)
	s.publishAction(domain.EventActionRejected, action, reason)
	s.archive(action)
}

// abandon finalizes an action after the retry budget is exhausted.
func (s *Scheduler) abandon(action *domain.Action, reason string) {
	if !s.finish(action, domain.ActionAbandoned) {
		return
	}
	s.failOrReopen(action, reason)
	s.release(action.PositionID)
	s.publishAction(domain.EventActionAbandoned, action, reason)
	s.archive(action)
}

// failOrReopen returns the position to Open for ordinary actions, or marks
// it Failed when a safety-critical (urgent) action could not be executed.
func (s *Scheduler) failOrReopen(action *domain.Action, reason string) {
	from := []domain.PositionState{domain.PositionActionPending, domain.PositionClosing}
	to := domain.PositionOpen
	if action.Priority == domain.PriorityUrgent {
		to = domain.PositionFailed
	}
	_, err := s.positions.Transition(s.ctx, action.PositionID, from, to, func(p *domain.Position) {
		p.PendingActionID = ""
		if to == domain.PositionFailed {
			p.CloseReason = reason
		}
	})
	if err != nil {
		s.logger.Error("failed to settle position after action failure",
			slog.String("action_id", action.ID),
			slog.String("position_id", action.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

// finish marks the action terminal. It returns false when the action
// already reached a terminal state, which makes confirm/reject/abandon
// idempotent under races between the poll loop and pushed confirmations.
// The per-position slot is released separately, after the position has
// settled, so a new action cannot slip in between the two updates.
func (s *Scheduler) finish(action *domain.Action, state domain.ActionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if action.State.Terminal() {
		return false
	}
	action.State = state
	now := time.Now().UTC()
	action.ResolvedAt = &now
	return true
}

// ResolveConfirmation applies a pushed confirmation outcome for a pending
// action, sharing the terminal handling with the polling path. Unknown or
// already-settled actions are ignored with ErrNotFound.
func (s *Scheduler) ResolveConfirmation(actionID string, res domain.CheckResult) error {
	s.mu.Lock()
	var action *domain.Action
	for _, a := range s.inflight {
		if a.ID == actionID {
			action = a
			break
		}
	}
	s.mu.Unlock()
	if action == nil {
		return fmt.Errorf("scheduler: action %s: %w", actionID, domain.ErrNotFound)
	}

	switch res.Status {
	case domain.CheckConfirmed:
		s.confirm(action, res.Effects)
	case domain.CheckRejected:
		if !res.Retryable {
			s.reject(action, res.Reason)
		}
		// Retryable pushed rejections are left to the drive loop, which
		// reconciles and retries on its own schedule.
	}
	return nil
}

func (s *Scheduler) publishAction(t domain.EventType, action *domain.Action, reason string) {
	s.mu.Lock()
	state := string(action.State)
	s.mu.Unlock()
	s.sink.Publish(domain.Event{
		ID:         uuid.NewString(),
		Type:       t,
		PositionID: action.PositionID,
		ActionID:   action.ID,
		To:         state,
		Reason:     reason,
		At:         time.Now().UTC(),
	})
}

func (s *Scheduler) archive(action *domain.Action) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.audit.SaveAction(ctx, *action); err != nil {
		s.logger.Warn("failed to archive action",
			slog.String("action_id", action.ID),
			slog.String("error", err.Error()),
		)
	}
}

// OpenPosition submits an opening transaction and creates the position only
// on successful confirmation: submission failures, rejections, and timeouts
// never produce a position. The draft carries protocol, instrument, side,
// size, collateral, leverage, and resolved risk params.
func (s *Scheduler) OpenPosition(ctx context.Context, draft domain.Position) (domain.Position, error) {
	adapter, err := s.adapters.For(draft.Protocol)
	if err != nil {
		return domain.Position{}, err
	}
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}

	req := domain.ActionRequest{
		Protocol:        draft.Protocol,
		Instrument:      draft.Instrument,
		PositionID:      draft.ID,
		ActionID:        uuid.NewString(),
		Kind:            domain.ActionOpen,
		Side:            draft.Side,
		Size:            draft.Size,
		CollateralDelta: draft.Collateral,
		PriceHint:       draft.EntryPrice,
	}

	subCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmationTimeout)
	handle, err := adapter.Submit(subCtx, req)
	cancel()
	if err != nil {
		return domain.Position{}, fmt.Errorf("scheduler: open %s/%s: %w", draft.Protocol, draft.Instrument, err)
	}

	res, err := s.awaitOpen(ctx, adapter, handle)
	if err != nil {
		return domain.Position{}, err
	}

	draft.State = domain.PositionOpening
	draft.OpenedAt = time.Now().UTC()
	if res.Effects != nil {
		if res.Effects.FilledSize.IsPositive() {
			draft.Size = res.Effects.FilledSize
		}
		if res.Effects.FillPrice.IsPositive() {
			draft.EntryPrice = res.Effects.FillPrice
		}
	}
	if err := s.positions.Upsert(ctx, draft); err != nil {
		return domain.Position{}, err
	}
	pos, err := s.positions.Transition(ctx, draft.ID,
		[]domain.PositionState{domain.PositionOpening},
		domain.PositionOpen, nil)
	if err != nil {
		return domain.Position{}, err
	}
	return pos, nil
}

func (s *Scheduler) awaitOpen(ctx context.Context, adapter domain.Adapter, handle domain.PendingHandle) (domain.CheckResult, error) {
	deadline := time.Now().Add(s.cfg.ConfirmationTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.CheckResult{}, ctx.Err()
		case <-ticker.C:
		}

		res, err := adapter.Check(ctx, handle)
		if err == nil && res.Status != domain.CheckPending {
			if res.Status == domain.CheckConfirmed {
				return res, nil
			}
			return domain.CheckResult{}, &domain.SubmissionError{
				Reason:    fmt.Sprintf("open rejected: %s", res.Reason),
				Retryable: res.Retryable,
			}
		}
		if time.Now().After(deadline) {
			// Ambiguous: the open may still land. Surface the signature so
			// the operator (or a future startup reconciliation) can claim it.
			s.logger.Warn("open confirmation timed out",
				slog.String("signature", handle.Signature),
			)
			return domain.CheckResult{}, fmt.Errorf("scheduler: open tx %s: %w", handle.Signature, domain.ErrConfirmationTimeout)
		}
	}
}

// IsActionAlreadyPending reports whether err is the per-position
// concurrency guard.
func IsActionAlreadyPending(err error) bool {
	return errors.Is(err, domain.ErrActionAlreadyPending)
}
