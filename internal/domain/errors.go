package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition guards checked position state changes. It is a
	// programming or race-condition signal and must always be surfaced,
	// never silently swallowed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrActionAlreadyPending is returned when a second action is submitted
	// for a position whose current action has not reached a terminal state.
	// Callers decide whether to retry; the scheduler never does.
	ErrActionAlreadyPending = errors.New("action already pending for position")

	// ErrConfirmationTimeout marks an ambiguous outcome: the transaction
	// may still land on-chain and must be reconciled by signature before
	// any resubmission.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrPositionTerminal is returned for commands against a Closed or
	// Failed position.
	ErrPositionTerminal = errors.New("position is terminal")

	ErrFeedClosed = errors.New("market feed closed")
)

// ValidationError rejects bad input before any on-chain effect. Always local
// and recoverable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// SubmissionError is an adapter rejection that happened before broadcast.
// Retryable errors (network timeout, congestion, stale blockhash) may be
// resubmitted; structural ones (insufficient balance, position gone) are
// fatal for the action.
type SubmissionError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission: %s: %v", e.Reason, e.Err)
	}
	return "submission: " + e.Reason
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsRetryable reports whether err allows another submission attempt.
// Confirmation timeouts are retryable only after reconciliation, which the
// scheduler performs before every resubmission.
func IsRetryable(err error) bool {
	var sub *SubmissionError
	if errors.As(err, &sub) {
		return sub.Retryable
	}
	return errors.Is(err, ErrConfirmationTimeout)
}
