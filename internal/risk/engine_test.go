package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/intent"
	"github.com/machpay-xyz/settlement-engine/internal/store"
)

func seed(t *testing.T, st *store.MemoryStore, id, agent, vendor string, amount uint64) {
	t.Helper()
	require.NoError(t, st.Insert(context.Background(), &intent.PaymentIntent{
		ID:       id,
		AgentID:  agent,
		VendorID: vendor,
		Amount:   amount,
		Deadline: time.Now().Add(time.Hour),
		Status:   intent.StatusProcessing,
	}))
}

func TestEvaluateSolvent(t *testing.T) {
	st := store.NewMemoryStore()
	book := agentbook.New(256, nil)
	e := NewEngine(st, book)

	book.SetBond("agent-a", 100)
	seed(t, st, "pi-1", "agent-a", "vendor-x", 60)
	seed(t, st, "pi-2", "agent-a", "vendor-y", 40)

	assert.NoError(t, e.Evaluate(context.Background(), "agent-a"))
	assert.False(t, book.Frozen("agent-a"))
}

func TestEvaluateCatchesCrossVendorOverspend(t *testing.T) {
	st := store.NewMemoryStore()
	book := agentbook.New(256, nil)
	e := NewEngine(st, book)

	// Each vendor alone is within the bond; the sum is not.
	book.SetBond("agent-a", 50)
	seed(t, st, "pi-1", "agent-a", "vendor-x", 30)
	seed(t, st, "pi-2", "agent-a", "vendor-y", 30)

	err := e.Evaluate(context.Background(), "agent-a")
	var ie *intent.InsolvencyError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, uint64(60), ie.Pending)
	assert.Equal(t, uint64(50), ie.Bond)
	assert.Equal(t, uint64(10), ie.Deficit())
	assert.True(t, book.Frozen("agent-a"))
}

func TestEvaluateIsolatesAgents(t *testing.T) {
	st := store.NewMemoryStore()
	book := agentbook.New(256, nil)
	e := NewEngine(st, book)

	book.SetBond("agent-a", 10)
	book.SetBond("agent-b", 100)
	seed(t, st, "pi-1", "agent-a", "vendor-x", 50)
	seed(t, st, "pi-2", "agent-b", "vendor-x", 50)

	assert.Error(t, e.Evaluate(context.Background(), "agent-a"))
	assert.NoError(t, e.Evaluate(context.Background(), "agent-b"))
	assert.False(t, book.Frozen("agent-b"))
}

func TestSnapshotExactBoundary(t *testing.T) {
	st := store.NewMemoryStore()
	book := agentbook.New(256, nil)
	e := NewEngine(st, book)

	book.SetBond("agent-a", 50)
	seed(t, st, "pi-1", "agent-a", "vendor-x", 50)

	snap, err := e.Snapshot(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, snap.Solvent(), "exposure equal to bond is still solvent")
}
