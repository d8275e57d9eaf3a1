// Package chain is the boundary to the on-chain execution collaborator.
// The engine treats execution as opaque: submit a batch, await a result.
// Keys, fee estimation and RPC plumbing live on the other side; this side
// only classifies outcomes.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/machpay-xyz/settlement-engine/internal/batch"
)

// ConfirmStatus is the collaborator's answer for a prior submission.
type ConfirmStatus int

const (
	ConfirmUnknown ConfirmStatus = iota
	ConfirmConfirmed
	ConfirmFailed
)

func (s ConfirmStatus) String() string {
	switch s {
	case ConfirmConfirmed:
		return "CONFIRMED"
	case ConfirmFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Client is the outbound interface to the chain collaborator.
type Client interface {
	// Submit hands a batch over for execution and returns a transaction
	// reference. Errors are TransientError or FatalError.
	Submit(ctx context.Context, b *batch.SettlementBatch) (string, error)

	// Confirm reports the final status of a previously submitted batch.
	// Used after unknown-outcome timeouts before any resubmission.
	Confirm(ctx context.Context, txRef string) (ConfirmStatus, error)
}

// TransientError marks network or timeout class failures. Safe to retry
// with backoff after confirming no earlier submission landed.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient execution error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks failures that must never be retried. The canonical case
// is the agent's collateral falling below the claimed amount between
// admission and execution; that routes straight to liquidation.
type FatalError struct {
	Reason  string
	AgentID string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal execution error: %s (agent %s)", e.Reason, e.AgentID)
}

// ReasonInsufficientCollateral is the chain's rejection code when an
// agent's bond no longer covers the batch delta at execution time.
const ReasonInsufficientCollateral = "insufficient_collateral"

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err must never be retried.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// AsFatal unwraps the fatal error, if any.
func AsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
