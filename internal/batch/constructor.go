// Package batch packs netted instructions into size-bounded settlement
// batches for the chain collaborator.
package batch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/machpay-xyz/settlement-engine/internal/netting"
)

// Status is the lifecycle of a settlement batch.
type Status string

const (
	StatusBuilding  Status = "BUILDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// SettlementBatch is a bounded list of netted instructions submitted
// together to amortize execution cost.
type SettlementBatch struct {
	ID           string                   `json:"batch_id"`
	Instructions []netting.NetInstruction `json:"instructions"`
	Status       Status                   `json:"status"`
	Receipt      string                   `json:"execution_receipt,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
}

// AgentIDs returns the distinct agents with instructions in the batch.
func (b *SettlementBatch) AgentIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ins := range b.Instructions {
		if !seen[ins.AgentID] {
			seen[ins.AgentID] = true
			out = append(out, ins.AgentID)
		}
	}
	return out
}

// IntentIDs returns every member intent ID across the batch's instructions.
func (b *SettlementBatch) IntentIDs() []string {
	var out []string
	for _, ins := range b.Instructions {
		out = append(out, ins.IntentIDs...)
	}
	return out
}

// EncodedSize returns the wire size of the batch's instruction list, the
// quantity bounded by the chain's transaction size limit.
func (b *SettlementBatch) EncodedSize() int {
	raw, err := json.Marshal(b.Instructions)
	if err != nil {
		return 0
	}
	return len(raw)
}

// Constructor packs instructions into batches. Order across distinct agents
// is arbitrary; all of one agent's instructions are kept in a single batch
// so the engine can enforce at most one in-flight batch per agent without
// ever splitting a (agent, vendor) delta across concurrent submissions.
type Constructor struct {
	maxInstructions int
	maxBytes        int
}

// Deployment defaults; tune per chain transaction limits.
const (
	DefaultMaxInstructions = 32
	DefaultMaxBytes        = 900
)

// NewConstructor creates a constructor with the given bounds. Zero values
// fall back to defaults.
func NewConstructor(maxInstructions, maxBytes int) *Constructor {
	if maxInstructions <= 0 {
		maxInstructions = DefaultMaxInstructions
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Constructor{maxInstructions: maxInstructions, maxBytes: maxBytes}
}

// Build groups the instructions by agent and packs agent groups whole into
// batches up to the configured bounds. An agent group that alone exceeds
// the bounds is split across batches by itself; the engine still submits
// those sequentially because both carry the same agent.
func (c *Constructor) Build(instructions []netting.NetInstruction) []*SettlementBatch {
	if len(instructions) == 0 {
		return nil
	}

	byAgent := make(map[string][]netting.NetInstruction)
	var agentOrder []string
	for _, ins := range instructions {
		if _, ok := byAgent[ins.AgentID]; !ok {
			agentOrder = append(agentOrder, ins.AgentID)
		}
		byAgent[ins.AgentID] = append(byAgent[ins.AgentID], ins)
	}

	var batches []*SettlementBatch
	current := c.newBatch()

	flush := func() {
		if len(current.Instructions) > 0 {
			batches = append(batches, current)
			current = c.newBatch()
		}
	}

	for _, agent := range agentOrder {
		group := byAgent[agent]
		if !c.fits(current, group) {
			flush()
		}
		for _, ins := range group {
			if len(current.Instructions) >= c.maxInstructions || !c.fits(current, []netting.NetInstruction{ins}) {
				flush()
			}
			current.Instructions = append(current.Instructions, ins)
		}
		// Keep distinct agents out of partially-filled oversized groups.
		if len(current.Instructions) >= c.maxInstructions {
			flush()
		}
	}
	flush()
	return batches
}

func (c *Constructor) newBatch() *SettlementBatch {
	return &SettlementBatch{
		ID:        uuid.NewString(),
		Status:    StatusBuilding,
		CreatedAt: time.Now(),
	}
}

func (c *Constructor) fits(b *SettlementBatch, group []netting.NetInstruction) bool {
	if len(b.Instructions)+len(group) > c.maxInstructions {
		return false
	}
	probe := *b
	probe.Instructions = append(append([]netting.NetInstruction{}, b.Instructions...), group...)
	return probe.EncodedSize() <= c.maxBytes
}
