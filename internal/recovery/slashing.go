package recovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/events"
	"github.com/machpay-xyz/settlement-engine/internal/intent"
	"github.com/machpay-xyz/settlement-engine/internal/store"
)

var (
	// ErrNotConflicting means the two intents do not form an equivocation
	// proof: different agents or nonces, or identical content.
	ErrNotConflicting = errors.New("intents do not conflict")
)

// SlashingProof is the audit record of one executed slash: the conflicting
// pair, the punitive burn, the reporter reward and the permanent ban.
type SlashingProof struct {
	AgentID        string                `json:"agent_id"`
	Nonce          uint64                `json:"nonce"`
	IntentA        *intent.PaymentIntent `json:"intent_a"`
	IntentB        *intent.PaymentIntent `json:"intent_b"`
	BurnedAmount   uint64                `json:"burned_amount"`
	ReporterReward uint64                `json:"reporter_reward"`
	Reporter       string                `json:"reporter"`
	Blacklisted    bool                  `json:"blacklisted"`
	At             time.Time             `json:"at"`
}

// Slasher executes the equivocation penalty.
type Slasher struct {
	book   *agentbook.Book
	store  store.IntentStore
	bus    events.Emitter
	logger *log.Logger
}

// NewSlasher creates a slasher.
func NewSlasher(book *agentbook.Book, st store.IntentStore, bus events.Emitter) *Slasher {
	return &Slasher{
		book:   book,
		store:  st,
		bus:    bus,
		logger: log.New(log.Writer(), "[Slashing] ", log.LstdFlags),
	}
}

// Slash verifies that both intents independently reconstruct a valid
// signature for the same (agent, nonce) with differing content, then burns
// half of the agent's bond, rewards the other half to the reporter and
// permanently blacklists the agent's key. Neither intent may ever settle.
func (s *Slasher) Slash(ctx context.Context, a, b *intent.PaymentIntent, reporter string) (*SlashingProof, error) {
	if a.AgentID != b.AgentID || a.Nonce != b.Nonce {
		return nil, ErrNotConflicting
	}
	if a.ContentHash() == b.ContentHash() {
		return nil, ErrNotConflicting
	}
	if err := a.VerifySignature(); err != nil {
		return nil, fmt.Errorf("first intent: %w", err)
	}
	if err := b.VerifySignature(); err != nil {
		return nil, fmt.Errorf("second intent: %w", err)
	}

	agentID := a.AgentID

	// Seize the bond and split it under the agent's lock. The odd unit
	// stays with the burn so the reward never exceeds half.
	var burned, reward uint64
	_ = s.book.WithAgent(agentID, func(st *agentbook.AgentState) error {
		reward = st.Bond / 2
		burned = st.Bond - reward
		st.Bond = 0
		return nil
	})
	s.book.Blacklist(agentID)

	if reward > 0 {
		rec := &store.PayoutRecord{
			ID:          uuid.NewString(),
			AgentID:     agentID,
			VendorID:    reporter,
			Destination: reporter,
			Amount:      reward,
			Status:      store.PayoutPending,
		}
		if err := s.store.InsertPayout(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist reporter reward: %w", err)
		}
	}

	if err := s.store.UpdateStatus(ctx, []string{a.ID, b.ID}, intent.StatusRejected); err != nil {
		return nil, fmt.Errorf("reject intents: %w", err)
	}

	proof := &SlashingProof{
		AgentID:        agentID,
		Nonce:          a.Nonce,
		IntentA:        a,
		IntentB:        b,
		BurnedAmount:   burned,
		ReporterReward: reward,
		Reporter:       reporter,
		Blacklisted:    true,
		At:             time.Now(),
	}

	s.logger.Printf("🔪 Slashed agent %s for nonce %d: burned=%d reward=%d (reporter=%s)",
		short(agentID), a.Nonce, burned, reward, short(reporter))

	s.bus.Emit(events.TypeSlashExecuted, agentID, map[string]interface{}{
		"agent_id":        agentID,
		"burned_amount":   burned,
		"reporter_reward": reward,
	})
	return proof, nil
}

// ProofID derives a stable identifier for a conflict pair, useful for
// de-duplicating reports.
func ProofID(a, b *intent.PaymentIntent) string {
	ha, hb := a.ContentHash(), b.ContentHash()
	if hex.EncodeToString(ha[:]) > hex.EncodeToString(hb[:]) {
		ha, hb = hb, ha
	}
	return hex.EncodeToString(ha[:8]) + hex.EncodeToString(hb[:8])
}
