// Package executor drives a settlement batch through the chain
// collaborator: submit, classify the result, retry transient failures with
// capped exponential backoff, and never retry fatal ones.
package executor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/machpay-xyz/settlement-engine/internal/batch"
	"github.com/machpay-xyz/settlement-engine/internal/chain"
	"github.com/machpay-xyz/settlement-engine/internal/circuitbreaker"
)

// Outcome is the terminal result of executing one batch.
type Outcome struct {
	Batch   *batch.SettlementBatch
	Status  batch.Status
	Receipt string

	// Fatal is set for never-retry failures; the engine routes the
	// affected agent to liquidation.
	Fatal *chain.FatalError

	// Stalled is set when transient retries were exhausted. Member intents
	// are not lost; they return to PENDING for operator attention.
	Stalled bool
}

// Config bounds the retry schedule. Deployment parameters.
type Config struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	SubmitTimeout   time.Duration
}

// DefaultConfig returns the standard retry bounds.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
		SubmitTimeout:   10 * time.Second,
	}
}

// Executor submits batches through a circuit breaker.
type Executor struct {
	client  chain.Client
	breaker *circuitbreaker.CircuitBreaker
	cfg     Config
	logger  *log.Logger
}

// New creates an executor. A nil breaker gets the chain preset.
func New(client chain.Client, breaker *circuitbreaker.CircuitBreaker, cfg Config) *Executor {
	if breaker == nil {
		breaker = circuitbreaker.New(nil)
	}
	if cfg.MaxRetries == 0 {
		cfg = DefaultConfig()
	}
	return &Executor{
		client:  client,
		breaker: breaker,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[Executor] ", log.LstdFlags),
	}
}

// Execute runs the batch to a terminal outcome. A submission timeout is
// unknown-outcome: before any resubmission the executor asks the
// collaborator to confirm against the batch ID, so a landed-but-unacked
// submission is never duplicated and intents are never marked SETTLED
// without explicit confirmation.
func (e *Executor) Execute(ctx context.Context, b *batch.SettlementBatch) *Outcome {
	b.Status = batch.StatusSubmitted
	e.logger.Printf("Submitting batch %s (%d instructions, %d bytes)",
		b.ID, len(b.Instructions), b.EncodedSize())

	var txRef string
	var fatal *chain.FatalError
	unknownOutcome := false

	op := func() error {
		// A previous attempt timed out with unknown outcome: check whether
		// it actually landed before submitting again.
		if unknownOutcome {
			st, err := e.confirmRef(ctx, b.ID)
			if err == nil && st == chain.ConfirmConfirmed {
				txRef = b.ID
				return nil
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		defer cancel()

		err := e.breaker.Execute(func() error {
			ref, err := e.client.Submit(attemptCtx, b)
			if err == nil {
				txRef = ref
			}
			return err
		})
		if err == nil {
			return nil
		}
		if fe, ok := chain.AsFatal(err); ok {
			fatal = fe
			return backoff.Permanent(err)
		}
		// Breaker rejections and transient errors both retry.
		unknownOutcome = true
		e.logger.Printf("⚠️  Transient submit failure for batch %s: %v", b.ID, err)
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(e.expBackoff(), e.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if fatal != nil {
			b.Status = batch.StatusFailed
			e.logger.Printf("💀 Fatal failure for batch %s: %v", b.ID, fatal)
			return &Outcome{Batch: b, Status: batch.StatusFailed, Fatal: fatal}
		}
		b.Status = batch.StatusFailed
		e.logger.Printf("🛑 Batch %s stalled after %d retries", b.ID, e.cfg.MaxRetries)
		return &Outcome{Batch: b, Status: batch.StatusFailed, Stalled: true}
	}

	return e.awaitConfirmation(ctx, b, txRef)
}

// awaitConfirmation polls until the collaborator reports a terminal status.
// Unknown answers keep the batch in PROCESSING; nothing is settled without
// explicit confirmation.
func (e *Executor) awaitConfirmation(ctx context.Context, b *batch.SettlementBatch, txRef string) *Outcome {
	var status chain.ConfirmStatus
	op := func() error {
		st, err := e.confirmRef(ctx, txRef)
		if err != nil {
			return err
		}
		if st == chain.ConfirmUnknown {
			return errors.New("confirmation pending")
		}
		status = st
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(e.expBackoff(), e.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		e.logger.Printf("🛑 Batch %s unconfirmed after retries (tx=%s)", b.ID, txRef)
		b.Status = batch.StatusFailed
		return &Outcome{Batch: b, Status: batch.StatusFailed, Stalled: true}
	}

	if status == chain.ConfirmFailed {
		b.Status = batch.StatusFailed
		e.logger.Printf("❌ Batch %s rejected at execution (tx=%s)", b.ID, txRef)
		return &Outcome{Batch: b, Status: batch.StatusFailed, Stalled: true}
	}

	b.Status = batch.StatusConfirmed
	b.Receipt = txRef
	e.logger.Printf("✅ Batch %s confirmed (receipt=%s)", b.ID, txRef)
	return &Outcome{Batch: b, Status: batch.StatusConfirmed, Receipt: txRef}
}

func (e *Executor) confirmRef(ctx context.Context, ref string) (chain.ConfirmStatus, error) {
	confirmCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	return e.client.Confirm(confirmCtx, ref)
}

func (e *Executor) expBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialInterval
	bo.MaxInterval = e.cfg.MaxInterval
	bo.MaxElapsedTime = 0 // bounded by retry count, not wall clock
	return bo
}
