// Package sim provides a simulated protocol adapter used by dry-run mode
// and tests. It honours the same Submit/Check contract as a live adapter:
// submissions return a pending handle, and confirmation arrives only after
// a configurable number of Check calls, which exercises the scheduler's
// polling, timeout, and reconciliation paths.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quillsol/solguard/internal/domain"
)

// Behavior scripts how the adapter responds. The zero value confirms every
// submission on the first Check with the requested size fully filled.
type Behavior struct {
	// FailSubmits rejects this many submissions (retryable) before
	// accepting one.
	FailSubmits int
	// FatalSubmit rejects every submission with a structural error.
	FatalSubmit bool
	// ConfirmAfterChecks is how many Check calls return Pending before the
	// transaction confirms. Zero confirms on the first Check.
	ConfirmAfterChecks int
	// RejectOnChain fails the transaction at confirmation time instead of
	// confirming it; RejectRetryable classifies the failure.
	RejectOnChain   bool
	RejectRetryable bool
	// VanishOnChain drops every accepted submission: Check never finds the
	// signature, as if the transaction was lost before reaching a validator.
	VanishOnChain bool
	// SlippageBps shifts the fill price away from the price hint, in basis
	// points, to mimic execution slippage.
	SlippageBps int64
}

type pendingTx struct {
	req    domain.ActionRequest
	checks int
}

// Adapter is an in-memory protocol adapter simulation.
type Adapter struct {
	protocol domain.Protocol
	behavior Behavior

	mu       sync.Mutex
	failures int
	submits  int
	pending  map[string]*pendingTx
}

// New creates a simulated adapter for the given protocol.
func New(protocol domain.Protocol, behavior Behavior) *Adapter {
	return &Adapter{
		protocol: protocol,
		behavior: behavior,
		pending:  make(map[string]*pendingTx),
	}
}

// Protocol implements domain.Adapter.
func (a *Adapter) Protocol() domain.Protocol { return a.protocol }

// Submit implements domain.Adapter. Accepted submissions are assigned a
// synthetic signature and tracked until Check resolves them.
func (a *Adapter) Submit(ctx context.Context, req domain.ActionRequest) (domain.PendingHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.PendingHandle{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.behavior.FatalSubmit {
		return domain.PendingHandle{}, &domain.SubmissionError{
			Reason:    "insufficient balance",
			Retryable: false,
		}
	}
	if a.failures < a.behavior.FailSubmits {
		a.failures++
		return domain.PendingHandle{}, &domain.SubmissionError{
			Reason:    "rpc timeout",
			Retryable: true,
		}
	}

	handle := domain.PendingHandle{
		Signature:   fmt.Sprintf("sim-%s-%s", a.protocol, uuid.NewString()),
		SubmittedAt: time.Now().UTC(),
	}
	a.submits++
	if !a.behavior.VanishOnChain {
		a.pending[handle.Signature] = &pendingTx{req: req}
	}
	return handle, nil
}

// Check implements domain.Adapter.
func (a *Adapter) Check(ctx context.Context, handle domain.PendingHandle) (domain.CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.CheckResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tx, ok := a.pending[handle.Signature]
	if !ok {
		return domain.CheckResult{Status: domain.CheckNotFound}, nil
	}

	tx.checks++
	if tx.checks <= a.behavior.ConfirmAfterChecks {
		return domain.CheckResult{Status: domain.CheckPending}, nil
	}

	delete(a.pending, handle.Signature)
	if a.behavior.RejectOnChain {
		return domain.CheckResult{
			Status:    domain.CheckRejected,
			Reason:    "simulated on-chain failure",
			Retryable: a.behavior.RejectRetryable,
		}, nil
	}

	return domain.CheckResult{
		Status:  domain.CheckConfirmed,
		Effects: a.effects(tx.req),
	}, nil
}

func (a *Adapter) effects(req domain.ActionRequest) *domain.ActionEffects {
	fillPrice := req.PriceHint
	if fillPrice.IsPositive() && a.behavior.SlippageBps != 0 {
		slip := decimal.NewFromInt(a.behavior.SlippageBps).Div(decimal.NewFromInt(10_000))
		fillPrice = fillPrice.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	return &domain.ActionEffects{
		FilledSize:      req.Size,
		FillPrice:       fillPrice,
		CollateralDelta: req.CollateralDelta,
	}
}

// PendingCount reports the number of unresolved submissions, for tests.
func (a *Adapter) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// SubmitCount reports the number of accepted broadcasts, for tests.
func (a *Adapter) SubmitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submits
}
