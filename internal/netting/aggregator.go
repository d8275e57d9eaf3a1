// Package netting reduces admitted intents to the marginal amount owed per
// (agent, vendor) pair since that pair's last confirmed settlement.
package netting

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/intent"
)

// PairHistory is the slice of the intent store the aggregator needs: the
// cumulative promised amount for one (agent, vendor) pair. Satisfied by
// every IntentStore implementation.
type PairHistory interface {
	// SumForPair returns Σ amount over the pair's settled intents plus its
	// outstanding (pending/processing) intents whose deadline has not
	// passed, along with the IDs of those outstanding intents.
	SumForPair(ctx context.Context, agentID, vendorID string, now time.Time) (uint64, []string, error)
}

// NetInstruction is one netted transfer: pay vendor the delta owed by agent
// since the pair's last confirmed cumulative.
type NetInstruction struct {
	AgentID   string   `json:"agent_id"`
	VendorID  string   `json:"vendor_id"`
	Mint      string   `json:"mint"`
	Delta     uint64   `json:"delta_amount"`
	IntentIDs []string `json:"intent_ids"`
}

// Aggregator computes net instructions from claimed intents.
type Aggregator struct {
	store  PairHistory
	book   *agentbook.Book
	now    func() time.Time
	logger *log.Logger
}

// NewAggregator creates an aggregator over the given store and agent book.
func NewAggregator(store PairHistory, book *agentbook.Book) *Aggregator {
	return &Aggregator{
		store:  store,
		book:   book,
		now:    time.Now,
		logger: log.New(log.Writer(), "[Netting] ", log.LstdFlags),
	}
}

// SetClock injects a clock for tests.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Aggregate groups the claimed intents by (agent, vendor) and computes, for
// each pair, delta = Σ amount − last_settled_cumulative. The sum covers the
// pair's whole admitted history (settled plus outstanding, expired intents
// excluded), so a resubmitted or re-claimed intent that is already covered
// by the cumulative yields a delta ≤ 0 and is dropped without error.
func (a *Aggregator) Aggregate(ctx context.Context, claimed []*intent.PaymentIntent) ([]NetInstruction, error) {
	now := a.now()

	type pair struct{ agent, vendor string }
	mints := make(map[pair]string)
	var order []pair
	for _, pi := range claimed {
		if pi.Expired(now) {
			continue // admitted but past deadline: ineligible for settlement
		}
		p := pair{pi.AgentID, pi.VendorID}
		if _, ok := mints[p]; !ok {
			mints[p] = pi.Mint
			order = append(order, p)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].agent != order[j].agent {
			return order[i].agent < order[j].agent
		}
		return order[i].vendor < order[j].vendor
	})

	var out []NetInstruction
	for _, p := range order {
		promised, outstandingIDs, err := a.store.SumForPair(ctx, p.agent, p.vendor, now)
		if err != nil {
			return nil, err
		}
		settled := a.book.Cumulative(p.agent, p.vendor)
		if promised <= settled {
			a.logger.Printf("Pair (%s → %s) already covered (promised=%d settled=%d), dropping",
				short(p.agent), short(p.vendor), promised, settled)
			continue
		}
		out = append(out, NetInstruction{
			AgentID:   p.agent,
			VendorID:  p.vendor,
			Mint:      mints[p],
			Delta:     promised - settled,
			IntentIDs: outstandingIDs,
		})
	}
	return out, nil
}

func short(k string) string {
	if len(k) > 12 {
		return k[:12] + "…"
	}
	return k
}
