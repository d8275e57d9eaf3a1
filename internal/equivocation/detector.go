// Package equivocation detects double-signing: two differently-signed
// intents sharing one (agent, nonce) slot, evidence of an attempted double
// spend.
package equivocation

import (
	"log"

	"github.com/machpay-xyz/settlement-engine/internal/intent"
)

// Detector compares an incoming intent against the accepted intent recorded
// for the same nonce. It operates on the Seen map owned by the agent book,
// so callers must hold the agent's lock.
type Detector struct {
	logger *log.Logger
}

// NewDetector creates a detector.
func NewDetector() *Detector {
	return &Detector{logger: log.New(log.Writer(), "[Equivocation] ", log.LstdFlags)}
}

// Check returns nil when the nonce is unseen or the recorded intent has the
// same content hash (a plain replay, left to the replay guard). A hash
// mismatch is equivocation and returns the conflict pair; the caller must
// freeze the agent before admitting anything further.
func (d *Detector) Check(seen map[uint64]*intent.PaymentIntent, incoming *intent.PaymentIntent) *intent.EquivocationError {
	existing, ok := seen[incoming.Nonce]
	if !ok {
		return nil
	}
	if existing.ContentHash() == incoming.ContentHash() {
		return nil
	}
	d.logger.Printf("🚨 Conflict on nonce %d for agent %s: %s vs %s",
		incoming.Nonce, shortKey(incoming.AgentID), existing.ID, incoming.ID)
	return &intent.EquivocationError{
		AgentID:  incoming.AgentID,
		Nonce:    incoming.Nonce,
		Existing: existing,
		Incoming: incoming,
	}
}

// Record stores an accepted intent under its nonce for later conflict
// comparison. Caller holds the agent's lock.
func (d *Detector) Record(seen map[uint64]*intent.PaymentIntent, accepted *intent.PaymentIntent) {
	seen[accepted.Nonce] = accepted
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12] + "…"
	}
	return k
}
