package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/events"
	"github.com/machpay-xyz/settlement-engine/internal/intent"
	"github.com/machpay-xyz/settlement-engine/internal/store"
)

func seedOutstanding(t *testing.T, st *store.MemoryStore, id, agent, vendor string, nonce, amount uint64) {
	t.Helper()
	require.NoError(t, st.Insert(context.Background(), &intent.PaymentIntent{
		ID:       id,
		AgentID:  agent,
		VendorID: vendor,
		Mint:     "USDC",
		Amount:   amount,
		Nonce:    nonce,
		Deadline: time.Now().Add(time.Hour),
		Status:   intent.StatusProcessing,
	}))
}

func TestLiquidateProRata(t *testing.T) {
	st := store.NewMemoryStore()
	book := agentbook.New(256, nil)
	bus := events.NewBus()
	l := NewLiquidator(book, st, bus)

	book.SetBond("agent-a", 50)
	seedOutstanding(t, st, "pi-x", "agent-a", "vendor-x", 1, 20)
	seedOutstanding(t, st, "pi-y", "agent-a", "vendor-y", 2, 40)

	done := bus.Subscribe(events.TypeLiquidationDone)

	ev, err := l.Liquidate(context.Background(), "agent-a")
	require.NoError(t, err)

	assert.Equal(t, uint64(60), ev.TotalClaims)
	assert.Equal(t, uint64(50), ev.BondAtLiquidation)
	require.Len(t, ev.Payouts, 2)

	byVendor := make(map[string]uint64)
	var sum uint64
	for _, p := range ev.Payouts {
		byVendor[p.VendorID] = p.Amount
		sum += p.Amount
	}
	// 20×50/60 = 16, 40×50/60 = 33, remainder 1 to the larger claimant.
	assert.Equal(t, uint64(16), byVendor["vendor-x"])
	assert.Equal(t, uint64(34), byVendor["vendor-y"])
	assert.Equal(t, uint64(50), sum, "payouts must sum exactly to the seized bond")

	// Bond seized, agent frozen, claims closed out.
	assert.Equal(t, uint64(0), book.Bond("agent-a"))
	assert.True(t, book.Frozen("agent-a"))
	for _, id := range []string{"pi-x", "pi-y"} {
		pi, ok := st.Get(id)
		require.True(t, ok)
		assert.Equal(t, intent.StatusFailed, pi.Status)
	}

	payouts, err := st.ListPayouts(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Len(t, payouts, 2)

	select {
	case e := <-done:
		assert.Equal(t, events.TypeLiquidationDone, e.Type)
		assert.Equal(t, "agent-a", e.Subject)
	default:
		t.Fatal("expected liquidation event")
	}
}

func TestLiquidateLeavesOtherAgentsAlone(t *testing.T) {
	st := store.NewMemoryStore()
	book := agentbook.New(256, nil)
	l := NewLiquidator(book, st, events.NewBus())

	book.SetBond("agent-a", 10)
	book.SetBond("agent-b", 100)
	seedOutstanding(t, st, "pi-a", "agent-a", "vendor-x", 1, 30)
	seedOutstanding(t, st, "pi-b", "agent-b", "vendor-x", 1, 30)

	_, err := l.Liquidate(context.Background(), "agent-a")
	require.NoError(t, err)

	pi, ok := st.Get("pi-b")
	require.True(t, ok)
	assert.Equal(t, intent.StatusProcessing, pi.Status)
	assert.Equal(t, uint64(100), book.Bond("agent-b"))
	assert.False(t, book.Frozen("agent-b"))
}

func TestProRataExactTotal(t *testing.T) {
	claims := map[string]uint64{
		"vendor-a": 7,
		"vendor-b": 11,
		"vendor-c": 13,
	}
	payouts := ProRata(claims, 100)
	var sum uint64
	for _, p := range payouts {
		sum += p.Amount
	}
	assert.Equal(t, uint64(100), sum)
}

func TestProRataRemainderToLargestClaim(t *testing.T) {
	payouts := ProRata(map[string]uint64{"vendor-x": 20, "vendor-y": 40}, 50)
	require.Len(t, payouts, 2)
	for _, p := range payouts {
		switch p.VendorID {
		case "vendor-x":
			assert.Equal(t, uint64(16), p.Amount)
		case "vendor-y":
			assert.Equal(t, uint64(34), p.Amount)
		}
	}
}

func TestProRataTiesDeterministic(t *testing.T) {
	// Equal claims: the remainder lands on the lexicographically last vendor
	// every time.
	for i := 0; i < 10; i++ {
		payouts := ProRata(map[string]uint64{"vendor-a": 10, "vendor-b": 10}, 21)
		require.Len(t, payouts, 2)
		assert.Equal(t, "vendor-a", payouts[0].VendorID)
		assert.Equal(t, uint64(10), payouts[0].Amount)
		assert.Equal(t, uint64(11), payouts[1].Amount)
	}
}

func TestProRataEdgeCases(t *testing.T) {
	assert.Nil(t, ProRata(nil, 100))
	assert.Nil(t, ProRata(map[string]uint64{"vendor-a": 10}, 0))
	assert.Nil(t, ProRata(map[string]uint64{"vendor-a": 0}, 100))

	// Bond exceeding claims still distributes the whole bond.
	payouts := ProRata(map[string]uint64{"vendor-a": 1, "vendor-b": 1}, 101)
	var sum uint64
	for _, p := range payouts {
		sum += p.Amount
	}
	assert.Equal(t, uint64(101), sum)
}
