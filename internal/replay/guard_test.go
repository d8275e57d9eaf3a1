package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machpay-xyz/settlement-engine/internal/intent"
)

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func testIntent(nonce uint64) *intent.PaymentIntent {
	return &intent.PaymentIntent{
		ID:       "pi-test",
		AgentID:  "agent-a",
		VendorID: "vendor-x",
		Nonce:    nonce,
		Deadline: time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
	}
}

func TestAdmitOutOfOrder(t *testing.T) {
	g := NewGuardWithClock(fixedClock())
	ns := NewNonceState(256)

	// Nonce 11 lands before nonce 10; both must be admitted.
	require.NoError(t, g.Admit(ns, testIntent(11)))
	require.NoError(t, g.Admit(ns, testIntent(10)))

	assert.True(t, ns.Consumed(10))
	assert.True(t, ns.Consumed(11))
	assert.False(t, ns.Consumed(12))
}

func TestAdmitRejectsReplay(t *testing.T) {
	g := NewGuardWithClock(fixedClock())
	ns := NewNonceState(256)

	require.NoError(t, g.Admit(ns, testIntent(42)))
	err := g.Admit(ns, testIntent(42))
	assert.ErrorIs(t, err, intent.ErrReplayed)
}

func TestAdmitRejectsExpired(t *testing.T) {
	g := NewGuardWithClock(fixedClock())
	ns := NewNonceState(256)

	pi := testIntent(1)
	pi.Deadline = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC) // already past
	assert.ErrorIs(t, g.Admit(ns, pi), intent.ErrExpired)
}

func TestWindowSlideEvictsLowNonces(t *testing.T) {
	g := NewGuardWithClock(fixedClock())
	ns := NewNonceState(256)

	require.NoError(t, g.Admit(ns, testIntent(0)))

	// Nonce 256 is one past the top edge; the window slides to [1, 257).
	require.NoError(t, g.Admit(ns, testIntent(256)))
	assert.Equal(t, uint64(1), ns.WindowStart)

	// Nonce 0 fell off the low end and is permanently consumed.
	assert.ErrorIs(t, g.Admit(ns, testIntent(0)), intent.ErrReplayed)

	// A never-used nonce inside the new window is still admissible.
	require.NoError(t, g.Admit(ns, testIntent(5)))
}

func TestWindowSlideFarJumpClearsBitmap(t *testing.T) {
	g := NewGuardWithClock(fixedClock())
	ns := NewNonceState(256)

	require.NoError(t, g.Admit(ns, testIntent(3)))
	require.NoError(t, g.Admit(ns, testIntent(10_000)))

	assert.Equal(t, uint64(10_000-255), ns.WindowStart)
	assert.False(t, ns.Consumed(9_999))
	require.NoError(t, g.Admit(ns, testIntent(9_999)))

	// Everything below the new window start is gone for good.
	assert.ErrorIs(t, g.Admit(ns, testIntent(3)), intent.ErrReplayed)
}

func TestSlidePreservesConsumedBitsAcrossWords(t *testing.T) {
	g := NewGuardWithClock(fixedClock())
	ns := NewNonceState(256)

	for _, n := range []uint64{70, 130, 200} {
		require.NoError(t, g.Admit(ns, testIntent(n)))
	}

	// Slide by 65: one full word plus one bit.
	require.NoError(t, g.Admit(ns, testIntent(320)))
	require.Equal(t, uint64(65), ns.WindowStart)

	assert.True(t, ns.Consumed(70))
	assert.True(t, ns.Consumed(130))
	assert.True(t, ns.Consumed(200))
	assert.True(t, ns.Consumed(320))
	assert.False(t, ns.Consumed(71))
}

func TestNonceStateWidthRounding(t *testing.T) {
	ns := NewNonceState(100)
	assert.Equal(t, uint64(128), ns.Width())

	ns = NewNonceState(0)
	assert.Equal(t, uint64(DefaultWindowWidth), ns.Width())
}
