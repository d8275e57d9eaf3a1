// Package engine is the periodic driver: claim pending intents, run
// admission, net, gate on solvency, pack batches and hand them to a
// bounded worker pool for submission.
//
// Admission is purely local (store plus per-agent nonce state) and never
// blocks on chain I/O; the only suspension point is the submission
// boundary inside the workers.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/batch"
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

// ErrStoreNotShared is returned when a multi-instance deployment is
// configured against a single-process store. Replay and solvency
// correctness depend on one consistent view of state.
var ErrStoreNotShared = errors.New("multi-instance deployment requires a shared store backend")

// internalReporter is the reward destination when the engine itself
// detects an equivocation rather than an external reporter.
const internalReporter = "settlement-engine"

// Engine wires the settlement pipeline together.
type Engine struct {
	cfg         *config.Config
	store       store.IntentStore
	book        *agentbook.Book
	guard       *replay.Guard
	detector    *equivocation.Detector
	aggregator  *netting.Aggregator
	risk        *risk.Engine
	constructor *batch.Constructor
	executor    *executor.Executor
	reconciler  *reconciler.Reconciler
	liquidator  *recovery.Liquidator
	slasher     *recovery.Slasher
	bus         events.Emitter
	metrics     *metrics.Metrics
	logger      *log.Logger

	mu        sync.Mutex
	inFlight  map[string]bool // agent → batch currently submitted
	carryover map[string]bool // agents with unbatched outstanding work

	sem chan struct{}
	wg  sync.WaitGroup
}

// Deps collects the engine's collaborators.
type Deps struct {
	Store       store.IntentStore
	Book        *agentbook.Book
	Guard       *replay.Guard
	Detector    *equivocation.Detector
	Aggregator  *netting.Aggregator
	Risk        *risk.Engine
	Constructor *batch.Constructor
	Executor    *executor.Executor
	Reconciler  *reconciler.Reconciler
	Liquidator  *recovery.Liquidator
	Slasher     *recovery.Slasher
	Bus         events.Emitter
	Metrics     *metrics.Metrics
}

// New validates the deployment shape and builds the engine.
func New(cfg *config.Config, d Deps) (*Engine, error) {
	if cfg.Engine.Instances > 1 && !d.Store.Shared() {
		return nil, ErrStoreNotShared
	}
	workers := cfg.Engine.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		cfg:         cfg,
		store:       d.Store,
		book:        d.Book,
		guard:       d.Guard,
		detector:    d.Detector,
		aggregator:  d.Aggregator,
		risk:        d.Risk,
		constructor: d.Constructor,
		executor:    d.Executor,
		reconciler:  d.Reconciler,
		liquidator:  d.Liquidator,
		slasher:     d.Slasher,
		bus:         d.Bus,
		metrics:     d.Metrics,
		logger:      log.New(log.Writer(), "[Engine] ", log.LstdFlags),
		inFlight:    make(map[string]bool),
		carryover:   make(map[string]bool),
		sem:         make(chan struct{}, workers),
	}, nil
}

// Run drives ticks until the context is canceled, then waits for in-flight
// submissions to finish.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Tick())
	defer ticker.Stop()

	e.logger.Printf("Driver started (tick=%s, claim_limit=%d, workers=%d)",
		e.cfg.Tick(), e.cfg.Engine.ClaimLimit, cap(e.sem))

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.logger.Printf("Driver stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one full pipeline pass. Exported so tests can drive the engine
// deterministically without the ticker.
func (e *Engine) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		e.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	claimed, err := e.store.Claim(ctx, e.cfg.Engine.ClaimLimit)
	if err != nil {
		e.logger.Printf("⚠️  Claim failed: %v", err)
		return
	}

	accepted := e.admit(ctx, claimed)

	// Agents to consider this tick: fresh acceptances plus agents whose
	// earlier work is still unbatched (stalled or deferred).
	agents := make(map[string][]*intent.PaymentIntent)
	for _, pi := range accepted {
		agents[pi.AgentID] = append(agents[pi.AgentID], pi)
	}
	e.mu.Lock()
	for agentID := range e.carryover {
		if _, ok := agents[agentID]; !ok {
			agents[agentID] = nil
		}
		delete(e.carryover, agentID)
	}
	e.mu.Unlock()

	var aggregateInput []*intent.PaymentIntent
	for agentID, intents := range agents {
		if e.skipAgent(agentID) {
			continue
		}

		// Global solvency gate: exposure across all vendors vs bond. An
		// insolvent agent is frozen and liquidated; other agents proceed.
		if err := e.risk.Evaluate(ctx, agentID); err != nil {
			var ie *intent.InsolvencyError
			if errors.As(err, &ie) {
				e.logger.Printf("Scheduling liquidation for %s (deficit=%d)", shortKey(agentID), ie.Deficit())
				if _, lerr := e.liquidator.Liquidate(ctx, agentID); lerr != nil {
					e.logger.Printf("⚠️  Liquidation failed for %s: %v", shortKey(agentID), lerr)
				} else {
					e.metrics.Liquidations.Inc()
				}
			} else {
				e.logger.Printf("⚠️  Solvency check failed for %s: %v", shortKey(agentID), err)
			}
			continue
		}

		if intents == nil {
			// Carryover agent: re-derive its pairs from the store.
			outstanding, err := e.store.ListOutstanding(ctx, agentID)
			if err != nil {
				e.logger.Printf("⚠️  Outstanding lookup failed for %s: %v", shortKey(agentID), err)
				continue
			}
			intents = e.sweepExpired(ctx, outstanding)
		}
		aggregateInput = append(aggregateInput, intents...)
		e.refreshAgentMetrics(ctx, agentID)
	}

	if len(aggregateInput) == 0 {
		return
	}

	instructions, err := e.aggregator.Aggregate(ctx, aggregateInput)
	if err != nil {
		e.logger.Printf("⚠️  Aggregation failed: %v", err)
		return
	}
	if len(instructions) == 0 {
		return
	}

	for _, b := range e.constructor.Build(instructions) {
		e.dispatch(ctx, b)
	}
}

// skipAgent filters frozen, blacklisted and in-flight agents from batch
// construction. At most one batch per agent is ever in flight.
func (e *Engine) skipAgent(agentID string) bool {
	if e.book.Blacklisted(agentID) || e.book.Frozen(agentID) {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[agentID] {
		e.carryover[agentID] = true
		return true
	}
	return false
}

// dispatch reserves the batch's agents and submits on the worker pool.
func (e *Engine) dispatch(ctx context.Context, b *batch.SettlementBatch) {
	agentIDs := b.AgentIDs()

	e.mu.Lock()
	for _, id := range agentIDs {
		if e.inFlight[id] {
			// Another batch for this agent is already out; defer the whole
			// batch so no (agent, vendor) delta races its sibling.
			for _, a := range agentIDs {
				e.carryover[a] = true
			}
			e.mu.Unlock()
			return
		}
	}
	for _, id := range agentIDs {
		e.inFlight[id] = true
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()

		start := time.Now()
		outcome := e.executor.Execute(ctx, b)
		e.metrics.SubmitDuration.Observe(time.Since(start).Seconds())
		e.finish(ctx, outcome, agentIDs)
	}()
}

func (e *Engine) finish(ctx context.Context, outcome *executor.Outcome, agentIDs []string) {
	defer func() {
		e.mu.Lock()
		for _, id := range agentIDs {
			delete(e.inFlight, id)
		}
		e.mu.Unlock()
	}()

	b := outcome.Batch
	switch {
	case outcome.Status == batch.StatusConfirmed:
		if err := e.reconciler.ApplyConfirmed(ctx, b); err != nil {
			e.logger.Printf("⚠️  Reconcile failed for batch %s: %v", b.ID, err)
		}
		e.metrics.BatchesTotal.WithLabelValues("confirmed").Inc()

	case outcome.Fatal != nil:
		if err := e.reconciler.ApplyFatal(ctx, b, outcome.Fatal); err != nil {
			e.logger.Printf("⚠️  Fatal reconcile failed for batch %s: %v", b.ID, err)
		}
		e.metrics.BatchesTotal.WithLabelValues("fatal").Inc()
		// Collateral moved under us between admission and execution:
		// liquidate now, never retry.
		if _, err := e.liquidator.Liquidate(ctx, outcome.Fatal.AgentID); err != nil {
			e.logger.Printf("⚠️  Liquidation failed for %s: %v", shortKey(outcome.Fatal.AgentID), err)
		} else {
			e.metrics.Liquidations.Inc()
		}

	default: // stalled
		if err := e.reconciler.ApplyStalled(ctx, b); err != nil {
			e.logger.Printf("⚠️  Stall reconcile failed for batch %s: %v", b.ID, err)
		}
		e.metrics.BatchesTotal.WithLabelValues("stalled").Inc()
		e.mu.Lock()
		for _, id := range agentIDs {
			e.carryover[id] = true
		}
		e.mu.Unlock()
	}

	for _, id := range agentIDs {
		e.refreshAgentMetrics(ctx, id)
	}
}

// admit runs the local admission filter over freshly claimed intents
// under each agent's owner lock: frozen/blacklist check, signature
// validation, equivocation comparison and the sliding-window replay guard.
func (e *Engine) admit(ctx context.Context, claimed []*intent.PaymentIntent) []*intent.PaymentIntent {
	var accepted []*intent.PaymentIntent
	rejected := make(map[string][]string) // reason → intent IDs
	now := time.Now()

	for _, pi := range claimed {
		agentID := pi.AgentID

		if e.book.Blacklisted(agentID) {
			rejected["blacklisted"] = append(rejected["blacklisted"], pi.ID)
			e.metrics.RecordRejection(agentID, "blacklisted")
			continue
		}
		if e.book.Frozen(agentID) {
			rejected["frozen"] = append(rejected["frozen"], pi.ID)
			e.metrics.RecordRejection(agentID, "frozen")
			continue
		}

		var ok bool
		var conflict *intent.EquivocationError
		var reason string

		_ = e.book.WithAgent(agentID, func(st *agentbook.AgentState) error {
			if existing, seen := st.Seen[pi.Nonce]; seen {
				if existing.ID == pi.ID {
					// Re-claimed after a stall: already admitted once. The
					// deadline still applies here, or an expired row would sit
					// in PROCESSING with no terminal path.
					if pi.Expired(now) {
						reason = "expired"
						return nil
					}
					ok = true
					return nil
				}
				if c := e.detector.Check(st.Seen, pi); c != nil {
					conflict = c
					return nil
				}
				reason = "replayed"
				return nil
			}

			if err := pi.VerifySignature(); err != nil {
				reason = "invalid"
				return nil
			}
			switch err := e.guard.Admit(st.Nonces, pi); {
			case errors.Is(err, intent.ErrExpired):
				reason = "expired"
			case errors.Is(err, intent.ErrReplayed):
				reason = "replayed"
			case err == nil:
				e.detector.Record(st.Seen, pi)
				ok = true
			}
			return nil
		})

		switch {
		case conflict != nil:
			e.handleEquivocation(ctx, conflict)
			e.metrics.RecordRejection(agentID, "equivocation")
		case ok:
			accepted = append(accepted, pi)
			e.metrics.IntentsAdmitted.WithLabelValues(agentID).Inc()
		default:
			rejected[reason] = append(rejected[reason], pi.ID)
			e.metrics.RecordRejection(agentID, reason)
		}
	}

	for reason, ids := range rejected {
		if err := e.store.UpdateStatus(ctx, ids, intent.StatusRejected); err != nil {
			e.logger.Printf("⚠️  Failed to reject %d intents (%s): %v", len(ids), reason, err)
		}
	}
	return accepted
}

// sweepExpired terminalizes outstanding intents whose deadline has passed
// and returns the live remainder. Without this, an intent that expires
// while parked in carryover would stay in PROCESSING forever and keep
// inflating the agent's exposure.
func (e *Engine) sweepExpired(ctx context.Context, outstanding []*intent.PaymentIntent) []*intent.PaymentIntent {
	now := time.Now()
	var live []*intent.PaymentIntent
	var expired []string
	for _, pi := range outstanding {
		if pi.Expired(now) {
			expired = append(expired, pi.ID)
			e.metrics.RecordRejection(pi.AgentID, "expired")
			continue
		}
		live = append(live, pi)
	}
	if len(expired) > 0 {
		if err := e.store.UpdateStatus(ctx, expired, intent.StatusRejected); err != nil {
			e.logger.Printf("⚠️  Failed to expire %d intents: %v", len(expired), err)
		}
	}
	return live
}

// handleEquivocation freezes the agent before anything else is admitted,
// then executes the slash with the engine as reporter.
func (e *Engine) handleEquivocation(ctx context.Context, c *intent.EquivocationError) {
	e.book.Freeze(c.AgentID, "equivocation")
	e.bus.Emit(events.TypeAgentFrozen, c.AgentID, map[string]interface{}{
		"agent_id": c.AgentID,
		"reason":   "equivocation",
	})
	if _, err := e.slasher.Slash(ctx, c.Existing, c.Incoming, internalReporter); err != nil {
		e.logger.Printf("⚠️  Slash failed for %s: %v", shortKey(c.AgentID), err)
		return
	}
	e.metrics.Slashes.Inc()
}

func (e *Engine) refreshAgentMetrics(ctx context.Context, agentID string) {
	snap, err := e.risk.Snapshot(ctx, agentID)
	if err != nil {
		return
	}
	_, frozen, _ := e.book.Snapshot(agentID)
	e.metrics.UpdateAgent(agentID, snap.PendingTotal, snap.Bond, frozen)
}

// Stalled exposes the reconciler's parked batches for the ops API.
func (e *Engine) Stalled() []reconciler.StalledBatch {
	return e.reconciler.Stalled()
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12] + "…"
	}
	return k
}
