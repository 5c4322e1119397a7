package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Protocol identifies the on-chain venue that owns a position. The set is
// closed: adapters are registered per protocol at wire time and an unknown
// protocol is rejected before any request is built.
type Protocol string

const (
	ProtocolJupiter  Protocol = "jupiter"
	ProtocolDrift    Protocol = "drift"
	ProtocolRaydium  Protocol = "raydium"
	ProtocolMeteora  Protocol = "meteora"
	ProtocolMarginfi Protocol = "marginfi"
	ProtocolKamino   Protocol = "kamino"
	ProtocolLulo     Protocol = "lulo"
)

// Protocols lists every supported protocol, in registration order.
var Protocols = []Protocol{
	ProtocolJupiter, ProtocolDrift, ProtocolRaydium, ProtocolMeteora,
	ProtocolMarginfi, ProtocolKamino, ProtocolLulo,
}

// ParseProtocol converts a string (e.g. from config or a command) into a
// Protocol. It returns a ValidationError for anything outside the closed set.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Protocols {
		if p == known {
			return p, nil
		}
	}
	return "", &ValidationError{Field: "protocol", Reason: fmt.Sprintf("unknown protocol %q", s)}
}

// ActionRequest is the protocol-independent description of an on-chain
// mutation handed to an Adapter. The adapter builds, signs, and broadcasts
// the venue-specific transaction.
type ActionRequest struct {
	Protocol   Protocol
	Instrument string
	PositionID string
	ActionID   string
	Kind       ActionKind
	Side       Side

	// Size is the base-asset quantity affected by the request. For Close it
	// is the full remaining size, for PartialClose the slice to unwind.
	Size decimal.Decimal

	// CollateralDelta is the collateral to add (positive) or remove
	// (negative) for collateral actions; zero otherwise.
	CollateralDelta decimal.Decimal

	// PriceHint is the mark price observed when the action was decided,
	// used by adapters for slippage bounds. May be zero for manual commands.
	PriceHint decimal.Decimal
}

// PendingHandle identifies a broadcast transaction whose outcome is not yet
// known. Signature is the base58 transaction signature returned by the RPC
// node; once broadcast the transaction cannot be retracted.
type PendingHandle struct {
	Signature   string
	SubmittedAt time.Time
}

// CheckStatus is the outcome classification of a confirmation lookup.
type CheckStatus string

const (
	// CheckPending means the transaction is known but not yet finalized.
	CheckPending CheckStatus = "pending"
	// CheckConfirmed means the transaction landed and its effects are final.
	CheckConfirmed CheckStatus = "confirmed"
	// CheckRejected means the transaction failed on-chain or was dropped
	// with a definitive error.
	CheckRejected CheckStatus = "rejected"
	// CheckNotFound means the node has no record of the signature. After the
	// blockhash expiry window this proves the transaction never landed.
	CheckNotFound CheckStatus = "not_found"
)

// ActionEffects carries the settled result of a confirmed action.
type ActionEffects struct {
	// FilledSize is the base-asset quantity actually closed/opened.
	FilledSize decimal.Decimal
	// FillPrice is the average execution price.
	FillPrice decimal.Decimal
	// CollateralDelta is the signed collateral change that settled.
	CollateralDelta decimal.Decimal
	// FeePaid is the total fee in the quote asset.
	FeePaid decimal.Decimal
}

// CheckResult is returned by Adapter.Check for a pending handle.
type CheckResult struct {
	Status  CheckStatus
	Effects *ActionEffects // set only when Status is CheckConfirmed
	Reason  string         // set when Status is CheckRejected

	// Retryable marks a rejection as transient (slippage, congestion,
	// expired blockhash): a fresh submission may succeed. Structural
	// rejections leave it false.
	Retryable bool
}

// Adapter is the uniform capability surface of a protocol-specific
// transaction builder/submitter. Implementations live outside the engine
// (one per venue); the engine only ever calls Submit and Check.
//
// Submit must return a *SubmissionError when the request is rejected before
// broadcast so the scheduler can classify it as retryable or fatal. Once a
// PendingHandle is returned the transaction may land even if every
// subsequent Check errors, so callers must reconcile by signature before
// assuming absence of effect.
type Adapter interface {
	Protocol() Protocol
	Submit(ctx context.Context, req ActionRequest) (PendingHandle, error)
	Check(ctx context.Context, handle PendingHandle) (CheckResult, error)
}

// AdapterSet maps the closed protocol set to adapter implementations.
type AdapterSet struct {
	adapters map[Protocol]Adapter
}

// NewAdapterSet builds an AdapterSet from the given adapters. Registering an
// adapter for an unknown protocol, or two adapters for the same protocol, is
// a wiring bug and returns an error.
func NewAdapterSet(adapters ...Adapter) (*AdapterSet, error) {
	set := &AdapterSet{adapters: make(map[Protocol]Adapter, len(adapters))}
	for _, a := range adapters {
		p := a.Protocol()
		if _, err := ParseProtocol(string(p)); err != nil {
			return nil, err
		}
		if _, dup := set.adapters[p]; dup {
			return nil, fmt.Errorf("domain: duplicate adapter for protocol %s", p)
		}
		set.adapters[p] = a
	}
	return set, nil
}

// For returns the adapter owning the given protocol.
func (s *AdapterSet) For(p Protocol) (Adapter, error) {
	a, ok := s.adapters[p]
	if !ok {
		return nil, fmt.Errorf("domain: no adapter registered for protocol %s: %w", p, ErrNotFound)
	}
	return a, nil
}
