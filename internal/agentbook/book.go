// Package agentbook is the single logical owner of per-agent mutable state:
// bonded collateral, the nonce admission window, accepted intents by nonce,
// and the frozen/blacklisted flags.
//
// Every mutation happens under the agent's own lock, so two concurrent
// admissions can never both observe a nonce as unset, and two solvency
// checks can never interleave on the same agent. State for distinct agents
// is independent and proceeds in parallel.
package agentbook

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/machpay-xyz/settlement-engine/internal/intent"
	"github.com/machpay-xyz/settlement-engine/internal/replay"
)

// FlagCache propagates freeze/blacklist flags to other engine instances.
// Implemented by the Redis adapter; nil disables propagation.
type FlagCache interface {
	SetFrozen(ctx context.Context, agentID string) error
	SetBlacklisted(ctx context.Context, agentID string) error
	IsFrozen(ctx context.Context, agentID string) (bool, error)
	IsBlacklisted(ctx context.Context, agentID string) (bool, error)
}

// AgentState is the owned state for one agent. Access only inside
// Book.WithAgent.
type AgentState struct {
	AgentID     string
	Bond        uint64
	Frozen      bool
	FrozenAt    time.Time
	Blacklisted bool

	// Nonces is the replay admission window plus per-vendor settled totals.
	Nonces *replay.NonceState

	// Seen records the accepted intent per nonce so a second intent on the
	// same nonce can be compared for equivocation. Retained for audit.
	Seen map[uint64]*intent.PaymentIntent
}

type agentEntry struct {
	mu    sync.Mutex
	state *AgentState
}

// Book owns all per-agent state in this process.
type Book struct {
	mu          sync.RWMutex
	agents      map[string]*agentEntry
	windowWidth uint64
	flags       FlagCache
	logger      *log.Logger
}

// New creates a book with the given replay window width. flags may be nil.
func New(windowWidth uint64, flags FlagCache) *Book {
	return &Book{
		agents:      make(map[string]*agentEntry),
		windowWidth: windowWidth,
		flags:       flags,
		logger:      log.New(log.Writer(), "[AgentBook] ", log.LstdFlags),
	}
}

func (b *Book) entry(agentID string) *agentEntry {
	b.mu.RLock()
	e, ok := b.agents[agentID]
	b.mu.RUnlock()
	if ok {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.agents[agentID]; ok {
		return e
	}
	e = &agentEntry{state: &AgentState{
		AgentID: agentID,
		Nonces:  replay.NewNonceState(b.windowWidth),
		Seen:    make(map[uint64]*intent.PaymentIntent),
	}}
	b.agents[agentID] = e
	return e
}

// WithAgent runs fn with exclusive ownership of the agent's state. This is
// the only mutation path; admission, netting and recovery all go through it.
func (b *Book) WithAgent(agentID string, fn func(*AgentState) error) error {
	e := b.entry(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.state)
}

// SetBond registers or resets an agent's bonded collateral. An operator
// bond reset also lifts a liquidation freeze; a blacklist is permanent and
// is never lifted here.
func (b *Book) SetBond(agentID string, amount uint64) {
	_ = b.WithAgent(agentID, func(st *AgentState) error {
		st.Bond = amount
		if st.Frozen && !st.Blacklisted {
			st.Frozen = false
			b.logger.Printf("Agent %s unfrozen by bond reset (bond=%d)", short(agentID), amount)
		}
		return nil
	})
}

// Bond returns the agent's bonded collateral.
func (b *Book) Bond(agentID string) uint64 {
	var bond uint64
	_ = b.WithAgent(agentID, func(st *AgentState) error {
		bond = st.Bond
		return nil
	})
	return bond
}

// Freeze marks the agent frozen so no further intents are admitted while a
// recovery workflow runs. Propagated to the shared flag cache best-effort.
func (b *Book) Freeze(agentID, reason string) {
	_ = b.WithAgent(agentID, func(st *AgentState) error {
		if st.Frozen {
			return nil
		}
		st.Frozen = true
		st.FrozenAt = time.Now()
		b.logger.Printf("🧊 Agent %s frozen: %s", short(agentID), reason)
		return nil
	})
	if b.flags != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.flags.SetFrozen(ctx, agentID); err != nil {
			b.logger.Printf("⚠️  Flag cache freeze propagation failed for %s: %v", short(agentID), err)
		}
	}
}

// Blacklist permanently bans the agent's key. No un-ban path exists.
func (b *Book) Blacklist(agentID string) {
	_ = b.WithAgent(agentID, func(st *AgentState) error {
		st.Blacklisted = true
		st.Frozen = true
		st.FrozenAt = time.Now()
		b.logger.Printf("⛔ Agent %s permanently blacklisted", short(agentID))
		return nil
	})
	if b.flags != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.flags.SetBlacklisted(ctx, agentID); err != nil {
			b.logger.Printf("⚠️  Flag cache blacklist propagation failed for %s: %v", short(agentID), err)
		}
	}
}

// Frozen reports the agent's frozen flag, consulting the shared cache when
// the local flag is clear so freezes from sibling instances are honored.
func (b *Book) Frozen(agentID string) bool {
	var frozen bool
	_ = b.WithAgent(agentID, func(st *AgentState) error {
		frozen = st.Frozen
		return nil
	})
	if frozen || b.flags == nil {
		return frozen
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	remote, err := b.flags.IsFrozen(ctx, agentID)
	if err != nil {
		// A freeze only parks work, so a cache hiccup keeps admission
		// available rather than stalling every agent.
		b.logger.Printf("⚠️  Flag cache freeze lookup failed for %s: %v", short(agentID), err)
		return false
	}
	return remote
}

// Blacklisted reports the permanent ban flag, consulting the shared cache
// when the local flag is clear. Unlike Frozen, a cache read error counts
// as banned.
func (b *Book) Blacklisted(agentID string) bool {
	var banned bool
	_ = b.WithAgent(agentID, func(st *AgentState) error {
		banned = st.Blacklisted
		return nil
	})
	if banned || b.flags == nil {
		return banned
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	remote, err := b.flags.IsBlacklisted(ctx, agentID)
	if err != nil {
		// Fail closed: a banned key must never slip through because the
		// cache was unreachable. Rejection happens before the nonce is
		// consumed, so an honest agent can resubmit once the cache heals.
		b.logger.Printf("⚠️  Flag cache blacklist lookup failed for %s, treating as banned: %v", short(agentID), err)
		return true
	}
	return remote
}

// Snapshot returns a copy of the agent's flags and bond for the ops API.
func (b *Book) Snapshot(agentID string) (bond uint64, frozen, blacklisted bool) {
	_ = b.WithAgent(agentID, func(st *AgentState) error {
		bond, frozen, blacklisted = st.Bond, st.Frozen, st.Blacklisted
		return nil
	})
	return
}

// AdvanceCumulative moves the per-vendor settled running total forward
// after a confirmed settlement.
func (b *Book) AdvanceCumulative(agentID, vendorID string, delta uint64) {
	_ = b.WithAgent(agentID, func(st *AgentState) error {
		st.Nonces.LastSettledCumulative[vendorID] += delta
		return nil
	})
}

// Cumulative returns the settled running total for one (agent, vendor) pair.
func (b *Book) Cumulative(agentID, vendorID string) uint64 {
	var c uint64
	_ = b.WithAgent(agentID, func(st *AgentState) error {
		c = st.Nonces.LastSettledCumulative[vendorID]
		return nil
	})
	return c
}

func short(k string) string {
	if len(k) > 12 {
		return k[:12] + "…"
	}
	return k
}
