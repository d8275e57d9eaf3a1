// Package reconciler applies terminal settlement outcomes back to the
// intent store and per-agent state, and emits the engine's domain events.
// It is the only component that moves intents to a terminal status.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/batch"
	"github.com/machpay-xyz/settlement-engine/internal/chain"
	"github.com/machpay-xyz/settlement-engine/internal/events"
	"github.com/machpay-xyz/settlement-engine/internal/intent"
	"github.com/machpay-xyz/settlement-engine/internal/store"
)

// StalledBatch is a batch that exhausted its retries. Member intents are
// back in PENDING; the batch waits for operator attention.
type StalledBatch struct {
	Batch     *batch.SettlementBatch `json:"batch"`
	StalledAt time.Time              `json:"stalled_at"`
}

// Reconciler owns intent status transitions after execution.
type Reconciler struct {
	store  store.IntentStore
	book   *agentbook.Book
	bus    events.Emitter
	logger *log.Logger

	mu      sync.Mutex
	stalled []StalledBatch
}

// New creates a reconciler.
func New(st store.IntentStore, book *agentbook.Book, bus events.Emitter) *Reconciler {
	return &Reconciler{
		store:  st,
		book:   book,
		bus:    bus,
		logger: log.New(log.Writer(), "[Reconciler] ", log.LstdFlags),
	}
}

// ApplyConfirmed advances every (agent, vendor) cumulative by its settled
// delta, marks the member intents SETTLED and emits settlement.succeeded.
func (r *Reconciler) ApplyConfirmed(ctx context.Context, b *batch.SettlementBatch) error {
	for _, ins := range b.Instructions {
		r.book.AdvanceCumulative(ins.AgentID, ins.VendorID, ins.Delta)
	}
	settled := b.IntentIDs()
	if err := r.store.UpdateStatus(ctx, settled, intent.StatusSettled); err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	r.logger.Printf("✅ Batch %s reconciled: %d intents settled (receipt=%s)",
		b.ID, len(settled), b.Receipt)

	r.bus.Emit(events.TypeSettlementSucceeded, b.ID, map[string]interface{}{
		"batch_id":        b.ID,
		"settled_intents": settled,
	})
	return nil
}

// ApplyFatal handles a never-retry execution failure. The offending
// agent's member intents are failed and reported; intents belonging to
// other agents in the batch return to PENDING untouched. The failure
// events carry amount, vendor and reason for off-chain reconciliation but
// never internal batch identifiers.
func (r *Reconciler) ApplyFatal(ctx context.Context, b *batch.SettlementBatch, fe *chain.FatalError) error {
	var failedIDs, releasedIDs []string
	for _, ins := range b.Instructions {
		if ins.AgentID == fe.AgentID {
			failedIDs = append(failedIDs, ins.IntentIDs...)
		} else {
			releasedIDs = append(releasedIDs, ins.IntentIDs...)
		}
	}

	amounts := r.intentAmounts(ctx, fe.AgentID)
	for _, ins := range b.Instructions {
		if ins.AgentID != fe.AgentID {
			continue
		}
		for _, id := range ins.IntentIDs {
			r.bus.Emit(events.TypeSettlementFailed, id, map[string]interface{}{
				"intent_id": id,
				"vendor_id": ins.VendorID,
				"amount":    amounts[id],
				"reason":    fe.Reason,
			})
		}
	}

	if err := r.store.UpdateStatus(ctx, failedIDs, intent.StatusFailed); err != nil {
		return fmt.Errorf("fail intents: %w", err)
	}
	if err := r.store.Release(ctx, releasedIDs); err != nil {
		return fmt.Errorf("release intents: %w", err)
	}
	r.logger.Printf("💀 Batch %s fatal (%s): %d intents failed, %d released",
		b.ID, fe.Reason, len(failedIDs), len(releasedIDs))
	return nil
}

// ApplyStalled returns all member intents to PENDING and parks the batch
// for operator attention. Nothing is lost and nothing is settled.
func (r *Reconciler) ApplyStalled(ctx context.Context, b *batch.SettlementBatch) error {
	if err := r.store.Release(ctx, b.IntentIDs()); err != nil {
		return fmt.Errorf("release intents: %w", err)
	}
	r.mu.Lock()
	r.stalled = append(r.stalled, StalledBatch{Batch: b, StalledAt: time.Now()})
	r.mu.Unlock()
	r.logger.Printf("🛑 Batch %s parked as stalled (%d instructions)", b.ID, len(b.Instructions))
	return nil
}

// Stalled returns the batches awaiting operator attention.
func (r *Reconciler) Stalled() []StalledBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StalledBatch{}, r.stalled...)
}

func (r *Reconciler) intentAmounts(ctx context.Context, agentID string) map[string]uint64 {
	amounts := make(map[string]uint64)
	outstanding, err := r.store.ListOutstanding(ctx, agentID)
	if err != nil {
		r.logger.Printf("⚠️  Could not load amounts for failure report: %v", err)
		return amounts
	}
	for _, pi := range outstanding {
		amounts[pi.ID] = pi.Amount
	}
	return amounts
}
