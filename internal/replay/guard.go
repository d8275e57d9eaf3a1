// Package replay implements per-agent nonce admission using a sliding
// bitmap window.
//
// A strict "nonce must exceed the last settled nonce" rule deadlocks
// multi-vendor usage: settlement order across vendors is independent of
// issuance order, so a later-issued nonce can settle first and lock out
// everything below it. The sliding window admits out-of-order nonces within
// a configurable width while still rejecting every replay.
package replay

import (
	"time"

	"github.com/machpay-xyz/settlement-engine/internal/intent"
)

// DefaultWindowWidth covers the plausible concurrent-vendor fan-out for one
// agent. Deployment parameter, not an invariant.
const DefaultWindowWidth = 256

// NonceState is the per-agent admission window plus the per-vendor settled
// cumulative totals used by netting. Mutated only under the agent's owner
// lock (see agentbook).
type NonceState struct {
	WindowStart uint64
	bitmap      []uint64
	width       uint64

	// LastSettledCumulative maps vendor ID to the running total already
	// confirmed on chain for that vendor.
	LastSettledCumulative map[string]uint64
}

// NewNonceState creates a window of the given width starting at nonce 0.
// Width is rounded up to a multiple of 64.
func NewNonceState(width uint64) *NonceState {
	if width == 0 {
		width = DefaultWindowWidth
	}
	words := (width + 63) / 64
	return &NonceState{
		bitmap:                make([]uint64, words),
		width:                 words * 64,
		LastSettledCumulative: make(map[string]uint64),
	}
}

// Width returns the window width in nonces.
func (ns *NonceState) Width() uint64 { return ns.width }

// Consumed reports whether a nonce is already spent from the window's point
// of view. Anything below WindowStart is always treated as consumed.
func (ns *NonceState) Consumed(nonce uint64) bool {
	if nonce < ns.WindowStart {
		return true
	}
	if nonce >= ns.WindowStart+ns.width {
		return false
	}
	off := nonce - ns.WindowStart
	return ns.bitmap[off/64]&(1<<(off%64)) != 0
}

// consume records a nonce inside the current window. Caller must have
// checked bounds.
func (ns *NonceState) consume(nonce uint64) {
	off := nonce - ns.WindowStart
	ns.bitmap[off/64] |= 1 << (off % 64)
}

// slideTo advances WindowStart to newStart, dropping bits below it. Nonces
// that fall off the low end become permanently consumed even if they were
// never used.
func (ns *NonceState) slideTo(newStart uint64) {
	shift := newStart - ns.WindowStart
	if shift >= ns.width {
		for i := range ns.bitmap {
			ns.bitmap[i] = 0
		}
		ns.WindowStart = newStart
		return
	}

	words := shift / 64
	bits := shift % 64
	n := uint64(len(ns.bitmap))

	if words > 0 {
		copy(ns.bitmap, ns.bitmap[words:])
		for i := n - words; i < n; i++ {
			ns.bitmap[i] = 0
		}
	}
	if bits > 0 {
		for i := uint64(0); i < n; i++ {
			ns.bitmap[i] >>= bits
			if i+1 < n {
				ns.bitmap[i] |= ns.bitmap[i+1] << (64 - bits)
			}
		}
	}
	ns.WindowStart = newStart
}

// Guard performs nonce admission for intents. It is stateless beyond the
// clock; the NonceState it operates on is owned by the agent book.
type Guard struct {
	now func() time.Time
}

// NewGuard creates a guard using the real clock.
func NewGuard() *Guard {
	return &Guard{now: time.Now}
}

// NewGuardWithClock creates a guard with an injected clock for tests.
func NewGuardWithClock(now func() time.Time) *Guard {
	return &Guard{now: now}
}

// Admit runs the sliding-window admission check for one intent against the
// agent's nonce state:
//
//  1. An expired deadline rejects with ErrExpired.
//  2. A nonce below the window start rejects as replayed.
//  3. A nonce at or past the window's top edge slides the window forward so
//     the nonce becomes its highest slot; bits dropped off the low end are
//     implicitly consumed.
//  4. A set bit rejects as replayed; otherwise the bit is set and the
//     intent is accepted.
func (g *Guard) Admit(ns *NonceState, pi *intent.PaymentIntent) error {
	if pi.Expired(g.now()) {
		return intent.ErrExpired
	}
	if pi.Nonce < ns.WindowStart {
		return intent.ErrReplayed
	}
	if pi.Nonce >= ns.WindowStart+ns.width {
		ns.slideTo(pi.Nonce - ns.width + 1)
	}
	if ns.Consumed(pi.Nonce) {
		return intent.ErrReplayed
	}
	ns.consume(pi.Nonce)
	return nil
}
