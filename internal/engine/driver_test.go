package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/batch"
	"github.com/machpay-xyz/settlement-engine/internal/chain"
	"github.com/machpay-xyz/settlement-engine/internal/config"
	"github.com/machpay-xyz/settlement-engine/internal/equivocation"
	"github.com/machpay-xyz/settlement-engine/internal/events"
	"github.com/machpay-xyz/settlement-engine/internal/executor"
	"github.com/machpay-xyz/settlement-engine/internal/intent"
	"github.com/machpay-xyz/settlement-engine/internal/metrics"
	"github.com/machpay-xyz/settlement-engine/internal/netting"
	"github.com/machpay-xyz/settlement-engine/internal/reconciler"
	"github.com/machpay-xyz/settlement-engine/internal/recovery"
	"github.com/machpay-xyz/settlement-engine/internal/replay"
	"github.com/machpay-xyz/settlement-engine/internal/risk"
	"github.com/machpay-xyz/settlement-engine/internal/store"
)

type testHarness struct {
	engine *Engine
	store  *store.MemoryStore
	book   *agentbook.Book
	mock   *chain.MockClient
	bus    *events.Bus

	priv    ed25519.PrivateKey
	agentID string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	book := agentbook.New(256, nil)
	bus := events.NewBus()
	mock := chain.NewMockClient()

	riskEngine := risk.NewEngine(st, book)
	recon := reconciler.New(st, book, bus)
	exec := executor.New(mock, nil, executor.Config{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		SubmitTimeout:   time.Second,
	})

	cfg := config.Default()
	eng, err := New(cfg, Deps{
		Store:       st,
		Book:        book,
		Guard:       replay.NewGuard(),
		Detector:    equivocation.NewDetector(),
		Aggregator:  netting.NewAggregator(st, book),
		Risk:        riskEngine,
		Constructor: batch.NewConstructor(cfg.Batch.MaxInstructions, cfg.Batch.MaxBytes),
		Executor:    exec,
		Reconciler:  recon,
		Liquidator:  recovery.NewLiquidator(book, st, bus),
		Slasher:     recovery.NewSlasher(book, st, bus),
		Bus:         bus,
		Metrics:     metrics.NewWith(prometheus.NewRegistry()),
	})
	require.NoError(t, err)

	return &testHarness{
		engine:  eng,
		store:   st,
		book:    book,
		mock:    mock,
		bus:     bus,
		priv:    priv,
		agentID: intent.EncodeAgentKey(pub),
	}
}

func (h *testHarness) insert(t *testing.T, vendor string, nonce, amount uint64) *intent.PaymentIntent {
	t.Helper()
	pi := &intent.PaymentIntent{
		ID:       uuid.NewString(),
		AgentID:  h.agentID,
		VendorID: vendor,
		Mint:     "USDC",
		Amount:   amount,
		Nonce:    nonce,
		Deadline: time.Now().Add(time.Hour),
	}
	pi.Sign(h.priv)
	require.NoError(t, h.store.Insert(context.Background(), pi))
	return pi
}

// tick runs one driver pass and waits for worker goroutines to finish.
func (h *testHarness) tick(t *testing.T) {
	t.Helper()
	h.engine.Tick(context.Background())
	h.engine.wg.Wait()
}

func (h *testHarness) status(t *testing.T, id string) intent.Status {
	t.Helper()
	pi, ok := h.store.Get(id)
	require.True(t, ok)
	return pi.Status
}

func TestRefusesMultiInstanceOnLocalStore(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Instances = 3

	_, err := New(cfg, Deps{Store: store.NewMemoryStore()})
	assert.ErrorIs(t, err, ErrStoreNotShared)
}

func TestTickSettlesSolventAgent(t *testing.T) {
	h := newHarness(t)
	h.book.SetBond(h.agentID, 100)

	px := h.insert(t, "vendor-x", 5, 20)
	py := h.insert(t, "vendor-y", 6, 40)

	h.tick(t)

	assert.Equal(t, intent.StatusSettled, h.status(t, px.ID))
	assert.Equal(t, intent.StatusSettled, h.status(t, py.ID))
	assert.Equal(t, uint64(20), h.book.Cumulative(h.agentID, "vendor-x"))
	assert.Equal(t, uint64(40), h.book.Cumulative(h.agentID, "vendor-y"))

	// Both pairs share the agent, so one batch carries both instructions.
	submitted := h.mock.Submitted()
	require.Len(t, submitted, 1)
	assert.Len(t, submitted[0].Instructions, 2)
}

func TestTickLiquidatesCrossVendorOverspend(t *testing.T) {
	h := newHarness(t)
	h.book.SetBond(h.agentID, 50)

	// Each vendor alone fits the bond; together they exceed it.
	px := h.insert(t, "vendor-x", 5, 20)
	py := h.insert(t, "vendor-y", 6, 40)

	h.tick(t)

	assert.Empty(t, h.mock.Submitted(), "insolvent agent must not reach the chain")
	assert.True(t, h.book.Frozen(h.agentID))
	assert.Equal(t, uint64(0), h.book.Bond(h.agentID))
	assert.Equal(t, intent.StatusFailed, h.status(t, px.ID))
	assert.Equal(t, intent.StatusFailed, h.status(t, py.ID))

	payouts, err := h.store.ListPayouts(context.Background(), h.agentID)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	var sum uint64
	byVendor := make(map[string]uint64)
	for _, p := range payouts {
		sum += p.Amount
		byVendor[p.VendorID] = p.Amount
	}
	assert.Equal(t, uint64(50), sum)
	assert.Equal(t, uint64(16), byVendor["vendor-x"])
	assert.Equal(t, uint64(34), byVendor["vendor-y"])
}

func TestTickRejectsReplayedNonce(t *testing.T) {
	h := newHarness(t)
	h.book.SetBond(h.agentID, 100)

	first := h.insert(t, "vendor-x", 5, 20)
	h.tick(t)
	require.Equal(t, intent.StatusSettled, h.status(t, first.ID))

	// Same signed content under a fresh row ID: replay, not equivocation.
	replayRow := *first
	replayRow.ID = uuid.NewString()
	replayRow.Status = ""
	require.NoError(t, h.store.Insert(context.Background(), &replayRow))

	h.tick(t)

	assert.Equal(t, intent.StatusRejected, h.status(t, replayRow.ID))
	assert.Equal(t, intent.StatusSettled, h.status(t, first.ID))
	assert.False(t, h.book.Frozen(h.agentID))
	assert.Len(t, h.mock.Submitted(), 1, "replay must not trigger a second settlement")
}

func TestTickSlashesEquivocation(t *testing.T) {
	h := newHarness(t)
	h.book.SetBond(h.agentID, 100)

	// Two different signed intents on one nonce arrive in the same claim.
	pa := h.insert(t, "vendor-x", 5, 20)
	pb := h.insert(t, "vendor-y", 5, 35)

	h.tick(t)

	assert.True(t, h.book.Blacklisted(h.agentID))
	assert.Equal(t, uint64(0), h.book.Bond(h.agentID))
	assert.Equal(t, intent.StatusRejected, h.status(t, pa.ID))
	assert.Equal(t, intent.StatusRejected, h.status(t, pb.ID))
	assert.Empty(t, h.mock.Submitted(), "neither conflicting intent may settle")

	payouts, err := h.store.ListPayouts(context.Background(), h.agentID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, uint64(50), payouts[0].Amount)
	assert.Equal(t, internalReporter, payouts[0].Destination)
}

func TestTickRejectsBlacklistedAgent(t *testing.T) {
	h := newHarness(t)
	h.book.SetBond(h.agentID, 100)
	h.book.Blacklist(h.agentID)

	pi := h.insert(t, "vendor-x", 1, 10)
	h.tick(t)

	assert.Equal(t, intent.StatusRejected, h.status(t, pi.ID))
	assert.Empty(t, h.mock.Submitted())
}

func TestTickRejectsInvalidSignature(t *testing.T) {
	h := newHarness(t)
	h.book.SetBond(h.agentID, 100)

	pi := h.insert(t, "vendor-x", 1, 10)
	// Corrupt the stored copy's signature.
	tampered := *pi
	tampered.ID = uuid.NewString()
	tampered.Nonce = 2
	tampered.Signature = make([]byte, ed25519.SignatureSize)
	require.NoError(t, h.store.Insert(context.Background(), &tampered))

	h.tick(t)

	assert.Equal(t, intent.StatusSettled, h.status(t, pi.ID))
	assert.Equal(t, intent.StatusRejected, h.status(t, tampered.ID))
}

func TestStalledBatchRecoversOnLaterTick(t *testing.T) {
	h := newHarness(t)
	h.book.SetBond(h.agentID, 100)

	pi := h.insert(t, "vendor-x", 5, 20)

	// Exhaust the retry budget: initial try plus two retries.
	transient := &chain.TransientError{Err: errors.New("endpoint down")}
	h.mock.FailNext(transient, transient, transient)

	h.tick(t)

	// Stalled: back to PENDING, parked for operators, nothing settled.
	assert.Equal(t, intent.StatusPending, h.status(t, pi.ID))
	require.Len(t, h.engine.Stalled(), 1)
	assert.Equal(t, uint64(0), h.book.Cumulative(h.agentID, "vendor-x"))

	// Next tick re-claims the same row; the nonce is recognized as already
	// admitted and settlement completes.
	h.tick(t)
	assert.Equal(t, intent.StatusSettled, h.status(t, pi.ID))
	assert.Equal(t, uint64(20), h.book.Cumulative(h.agentID, "vendor-x"))
}

func TestStalledIntentExpiringBeforeReclaimIsRejected(t *testing.T) {
	h := newHarness(t)
	h.book.SetBond(h.agentID, 100)

	pi := &intent.PaymentIntent{
		ID:       uuid.NewString(),
		AgentID:  h.agentID,
		VendorID: "vendor-x",
		Mint:     "USDC",
		Amount:   20,
		Nonce:    5,
		Deadline: time.Now().Add(50 * time.Millisecond),
	}
	pi.Sign(h.priv)
	require.NoError(t, h.store.Insert(context.Background(), pi))

	transient := &chain.TransientError{Err: errors.New("endpoint down")}
	h.mock.FailNext(transient, transient, transient)

	h.tick(t)
	require.Equal(t, intent.StatusPending, h.status(t, pi.ID))

	// The deadline passes while the row is parked. The re-claim must
	// terminalize it instead of leaving it outstanding forever.
	time.Sleep(60 * time.Millisecond)
	h.tick(t)

	assert.Equal(t, intent.StatusRejected, h.status(t, pi.ID))
	assert.Equal(t, uint64(0), h.book.Cumulative(h.agentID, "vendor-x"))

	total, err := h.store.OutstandingTotal(context.Background(), h.agentID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), total, "expired intent must not count as exposure")

	// Further ticks have nothing left to do.
	h.tick(t)
	assert.Equal(t, intent.StatusRejected, h.status(t, pi.ID))
}

func TestSweepExpiredTerminalizesOutstanding(t *testing.T) {
	h := newHarness(t)

	live := h.insert(t, "vendor-x", 1, 10)
	stale := &intent.PaymentIntent{
		ID:       uuid.NewString(),
		AgentID:  h.agentID,
		VendorID: "vendor-y",
		Mint:     "USDC",
		Amount:   15,
		Nonce:    2,
		Deadline: time.Now().Add(-time.Minute),
	}
	stale.Sign(h.priv)
	require.NoError(t, h.store.Insert(context.Background(), stale))

	kept := h.engine.sweepExpired(context.Background(),
		[]*intent.PaymentIntent{live, stale})

	require.Len(t, kept, 1)
	assert.Equal(t, live.ID, kept[0].ID)
	assert.Equal(t, intent.StatusRejected, h.status(t, stale.ID))
	assert.Equal(t, intent.StatusPending, h.status(t, live.ID))
}

func TestFatalFailureLiquidatesOffenderOnly(t *testing.T) {
	h := newHarness(t)
	h.book.SetBond(h.agentID, 100)

	// Second agent sharing the batch must be released, not failed.
	pubB, privB, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	agentB := intent.EncodeAgentKey(pubB)
	h.book.SetBond(agentB, 100)

	pa := h.insert(t, "vendor-x", 1, 20)
	pb := &intent.PaymentIntent{
		ID:       uuid.NewString(),
		AgentID:  agentB,
		VendorID: "vendor-x",
		Mint:     "USDC",
		Amount:   30,
		Nonce:    1,
		Deadline: time.Now().Add(time.Hour),
	}
	pb.Sign(privB)
	require.NoError(t, h.store.Insert(context.Background(), pb))

	h.mock.FailNext(&chain.FatalError{
		Reason:  chain.ReasonInsufficientCollateral,
		AgentID: h.agentID,
	})

	h.tick(t)

	// Offender failed and liquidated; the other agent's intent survives.
	assert.Equal(t, intent.StatusFailed, h.status(t, pa.ID))
	assert.True(t, h.book.Frozen(h.agentID))
	assert.Equal(t, uint64(0), h.book.Bond(h.agentID))

	assert.Equal(t, intent.StatusPending, h.status(t, pb.ID))
	assert.False(t, h.book.Frozen(agentB))
	assert.Equal(t, uint64(100), h.book.Bond(agentB))
}
