// Package recovery implements the two fund-moving workflows: liquidation
// of insolvent agents and slashing of equivocating ones.
package recovery

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/events"
	"github.com/machpay-xyz/settlement-engine/internal/intent"
	"github.com/machpay-xyz/settlement-engine/internal/store"
)

// Payout is one vendor's pro-rata share of a seized bond.
type Payout struct {
	VendorID string `json:"vendor_id"`
	Claim    uint64 `json:"claim"`
	Amount   uint64 `json:"amount"`
}

// LiquidationEvent is the audit record of one liquidation.
type LiquidationEvent struct {
	AgentID           string    `json:"agent_id"`
	TotalClaims       uint64    `json:"total_claims"`
	BondAtLiquidation uint64    `json:"bond_at_liquidation"`
	Payouts           []Payout  `json:"per_vendor_payout"`
	At                time.Time `json:"at"`
}

// Liquidator seizes an insolvent agent's bond and distributes it pro-rata
// to outstanding claimants.
type Liquidator struct {
	book   *agentbook.Book
	store  store.IntentStore
	bus    events.Emitter
	logger *log.Logger
}

// NewLiquidator creates a liquidator.
func NewLiquidator(book *agentbook.Book, st store.IntentStore, bus events.Emitter) *Liquidator {
	return &Liquidator{
		book:   book,
		store:  st,
		bus:    bus,
		logger: log.New(log.Writer(), "[Liquidation] ", log.LstdFlags),
	}
}

// Liquidate freezes the agent, seizes the entire remaining bond and pays
// every outstanding claimant pro-rata. Payouts sum exactly to the seized
// bond: the integer-division remainder goes to the largest claimant so no
// funds are silently lost. The agent stays frozen until an operator resets
// its bond.
func (l *Liquidator) Liquidate(ctx context.Context, agentID string) (*LiquidationEvent, error) {
	l.book.Freeze(agentID, "liquidation")

	outstanding, err := l.store.ListOutstanding(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}

	claims := make(map[string]uint64)
	var intentIDs []string
	var total uint64
	for _, pi := range outstanding {
		claims[pi.VendorID] += pi.Amount
		intentIDs = append(intentIDs, pi.ID)
		total += pi.Amount
	}

	// Seize the bond under the agent's lock.
	var bond uint64
	_ = l.book.WithAgent(agentID, func(st *agentbook.AgentState) error {
		bond = st.Bond
		st.Bond = 0
		return nil
	})

	payouts := ProRata(claims, bond)
	ev := &LiquidationEvent{
		AgentID:           agentID,
		TotalClaims:       total,
		BondAtLiquidation: bond,
		Payouts:           payouts,
		At:                time.Now(),
	}

	for _, p := range payouts {
		rec := &store.PayoutRecord{
			ID:          uuid.NewString(),
			AgentID:     agentID,
			VendorID:    p.VendorID,
			Destination: p.VendorID,
			Amount:      p.Amount,
			Status:      store.PayoutPending,
		}
		if err := l.store.InsertPayout(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist payout: %w", err)
		}
	}

	// The claims are satisfied (pro-rata) by the seizure; the intents
	// themselves will never settle.
	if err := l.store.UpdateStatus(ctx, intentIDs, intent.StatusFailed); err != nil {
		return nil, fmt.Errorf("fail intents: %w", err)
	}

	l.logger.Printf("⚖️  Liquidated agent %s: bond=%d claims=%d payouts=%d",
		short(agentID), bond, total, len(payouts))

	payoutData := make([]map[string]interface{}, 0, len(payouts))
	for _, p := range payouts {
		payoutData = append(payoutData, map[string]interface{}{
			"vendor_id": p.VendorID,
			"amount":    p.Amount,
		})
	}
	l.bus.Emit(events.TypeLiquidationDone, agentID, map[string]interface{}{
		"agent_id": agentID,
		"payouts":  payoutData,
	})
	return ev, nil
}

// ProRata splits bond across claims proportionally with exact total
// preservation: paid_v = claim_v × bond / Σ claims, computed in arbitrary
// precision, with the remainder assigned to the largest claimant
// (lexicographically last vendor on ties, so the split is deterministic).
func ProRata(claims map[string]uint64, bond uint64) []Payout {
	if bond == 0 || len(claims) == 0 {
		return nil
	}

	vendors := make([]string, 0, len(claims))
	var total uint64
	for v, c := range claims {
		if c == 0 {
			continue
		}
		vendors = append(vendors, v)
		total += c
	}
	if total == 0 {
		return nil
	}
	sort.Strings(vendors)

	bigBond := new(big.Int).SetUint64(bond)
	bigTotal := new(big.Int).SetUint64(total)

	payouts := make([]Payout, 0, len(vendors))
	var distributed uint64
	largest := 0
	for i, v := range vendors {
		claim := claims[v]
		share := new(big.Int).SetUint64(claim)
		share.Mul(share, bigBond)
		share.Div(share, bigTotal)
		amount := share.Uint64()
		payouts = append(payouts, Payout{VendorID: v, Claim: claim, Amount: amount})
		distributed += amount
		if claim >= payouts[largest].Claim {
			largest = i
		}
	}

	if rem := bond - distributed; rem > 0 {
		payouts[largest].Amount += rem
	}
	return payouts
}

func short(k string) string {
	if len(k) > 12 {
		return k[:12] + "…"
	}
	return k
}
