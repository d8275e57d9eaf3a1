// Package risk gates settlement on agent solvency.
//
// The check is agent-global on purpose: exposure is summed across every
// vendor, not just the vendor being settled. Per-vendor checks cannot catch
// an agent spending past its bond across several vendors at once.
package risk

import (
	"context"
	"log"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/intent"
)

// ExposureSource provides the agent's total outstanding exposure.
// Satisfied by every IntentStore implementation.
type ExposureSource interface {
	OutstandingTotal(ctx context.Context, agentID string) (uint64, error)
}

// ExposureSnapshot is the derived solvency view for one agent at one point
// in time.
type ExposureSnapshot struct {
	AgentID      string `json:"agent_id"`
	PendingTotal uint64 `json:"pending_total"`
	Bond         uint64 `json:"bonded_collateral"`
}

// Solvent reports whether pending exposure is covered by the bond.
func (s ExposureSnapshot) Solvent() bool { return s.PendingTotal <= s.Bond }

// Engine evaluates agent solvency before batch construction.
type Engine struct {
	exposure ExposureSource
	book     *agentbook.Book
	logger   *log.Logger
}

// NewEngine creates a risk engine over the given exposure source and book.
func NewEngine(exposure ExposureSource, book *agentbook.Book) *Engine {
	return &Engine{
		exposure: exposure,
		book:     book,
		logger:   log.New(log.Writer(), "[Risk] ", log.LstdFlags),
	}
}

// Snapshot computes the agent's current exposure without acting on it.
func (e *Engine) Snapshot(ctx context.Context, agentID string) (ExposureSnapshot, error) {
	pending, err := e.exposure.OutstandingTotal(ctx, agentID)
	if err != nil {
		return ExposureSnapshot{}, err
	}
	return ExposureSnapshot{
		AgentID:      agentID,
		PendingTotal: pending,
		Bond:         e.book.Bond(agentID),
	}, nil
}

// Evaluate checks global solvency for one agent. On a violation the agent
// is frozen before any batch touches the chain, and an InsolvencyError is
// returned so the caller can schedule liquidation. Other agents are
// unaffected.
func (e *Engine) Evaluate(ctx context.Context, agentID string) error {
	snap, err := e.Snapshot(ctx, agentID)
	if err != nil {
		return err
	}
	if snap.Solvent() {
		return nil
	}
	e.logger.Printf("🚨 Agent %s insolvent: pending=%d bond=%d",
		short(agentID), snap.PendingTotal, snap.Bond)
	e.book.Freeze(agentID, "insolvency")
	return &intent.InsolvencyError{
		AgentID: agentID,
		Pending: snap.PendingTotal,
		Bond:    snap.Bond,
	}
}

func short(k string) string {
	if len(k) > 12 {
		return k[:12] + "…"
	}
	return k
}
