// Package store owns the durable record of payment intents and payout
// records.
//
// The engine never receives intents over a live call: the external
// ingestion pipeline inserts rows, and the engine claims bounded batches of
// PENDING rows on each driver tick. Claiming is mutually exclusive per row
// so no intent is processed twice concurrently, even with multiple engine
// instances against the shared backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/machpay-xyz/settlement-engine/internal/intent"
)

var (
	// ErrDuplicateIntent is returned when inserting a row whose ID exists.
	ErrDuplicateIntent = errors.New("intent already exists")

	// ErrNotFound is returned for lookups of unknown rows.
	ErrNotFound = errors.New("record not found")
)

// PayoutStatus tracks a recovery payout through execution.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "PENDING"
	PayoutPaid    PayoutStatus = "PAID"
	PayoutFailed  PayoutStatus = "FAILED"
)

// PayoutRecord is one fund movement produced by a recovery workflow.
type PayoutRecord struct {
	ID          string       `json:"id"`
	AgentID     string       `json:"agent_id"`
	VendorID    string       `json:"vendor_id"`
	Destination string       `json:"destination"`
	Amount      uint64       `json:"amount"`
	Status      PayoutStatus `json:"status"`
	TxReference string       `json:"tx_reference,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// IntentStore is the capability interface over the engine's persisted
// state. Shared reports whether the backend gives multiple engine instances
// one consistent view; the engine refuses to start multi-instance against a
// non-shared implementation, since replay and solvency correctness depend
// on a single view of state.
type IntentStore interface {
	// Shared reports whether the backend is safe for multi-instance use.
	Shared() bool

	// Insert stores a new PENDING intent row.
	Insert(ctx context.Context, pi *intent.PaymentIntent) error

	// Claim atomically moves up to limit PENDING rows to PROCESSING and
	// returns them. Rows claimed by another instance are skipped.
	Claim(ctx context.Context, limit int) ([]*intent.PaymentIntent, error)

	// Release returns claimed rows to PENDING, e.g. when a batch stalls
	// after retry exhaustion. The intents are not lost.
	Release(ctx context.Context, ids []string) error

	// UpdateStatus sets the lifecycle status for the given rows.
	UpdateStatus(ctx context.Context, ids []string, st intent.Status) error

	// ListOutstanding returns the agent's PENDING and PROCESSING intents.
	ListOutstanding(ctx context.Context, agentID string) ([]*intent.PaymentIntent, error)

	// OutstandingTotal returns Σ amount over the agent's PENDING and
	// PROCESSING intents across all vendors. The solvency gate compares
	// this to the agent's bond.
	OutstandingTotal(ctx context.Context, agentID string) (uint64, error)

	// SumForPair returns the pair's cumulative promised amount (settled
	// intents plus non-expired outstanding ones) and the IDs of those
	// outstanding intents.
	SumForPair(ctx context.Context, agentID, vendorID string, now time.Time) (uint64, []string, error)

	// InsertPayout persists a recovery payout record.
	InsertPayout(ctx context.Context, p *PayoutRecord) error

	// UpdatePayout records the execution outcome of a payout.
	UpdatePayout(ctx context.Context, id string, st PayoutStatus, txRef, errMsg string) error

	// ListPayouts returns payout records for one agent.
	ListPayouts(ctx context.Context, agentID string) ([]*PayoutRecord, error)

	Close() error
}
