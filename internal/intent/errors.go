package intent

import (
	"errors"
	"fmt"
)

// Admission and settlement error taxonomy. Local rejections (validation,
// replay) never move funds; the fatal classes freeze the offending agent and
// route to a recovery workflow.
var (
	// ErrMalformed covers structurally invalid intents: bad key encoding,
	// wrong signature length, zero amount.
	ErrMalformed = errors.New("malformed intent")

	// ErrBadSignature means the signature does not verify for the agent key.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrExpired means the intent deadline has passed.
	ErrExpired = errors.New("intent deadline expired")

	// ErrReplayed means the nonce was already consumed (or fell below the
	// admission window, which is treated the same way).
	ErrReplayed = errors.New("nonce already consumed")

	// ErrAgentFrozen means the agent is frozen pending recovery and admits
	// nothing further.
	ErrAgentFrozen = errors.New("agent frozen")

	// ErrAgentBlacklisted means the agent key was permanently banned after a
	// proven equivocation.
	ErrAgentBlacklisted = errors.New("agent blacklisted")
)

// EquivocationError carries the two conflicting intents signed against the
// same nonce. Fatal for the agent: routes to slashing.
type EquivocationError struct {
	AgentID  string
	Nonce    uint64
	Existing *PaymentIntent
	Incoming *PaymentIntent
}

func (e *EquivocationError) Error() string {
	return fmt.Sprintf("equivocation: agent %s signed two intents for nonce %d", shortKey(e.AgentID), e.Nonce)
}

// InsolvencyError reports pending exposure exceeding bonded collateral.
// Fatal for the agent's current exposure: routes to liquidation.
type InsolvencyError struct {
	AgentID string
	Pending uint64
	Bond    uint64
}

func (e *InsolvencyError) Error() string {
	return fmt.Sprintf("insolvent: agent %s pending %d exceeds bond %d (deficit %d)",
		shortKey(e.AgentID), e.Pending, e.Bond, e.Pending-e.Bond)
}

// Deficit is the amount by which pending exposure exceeds the bond.
func (e *InsolvencyError) Deficit() uint64 {
	return e.Pending - e.Bond
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12] + "…"
	}
	return k
}
