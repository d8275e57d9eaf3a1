package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machpay-xyz/settlement-engine/internal/batch"
	"github.com/machpay-xyz/settlement-engine/internal/chain"
	"github.com/machpay-xyz/settlement-engine/internal/circuitbreaker"
	"github.com/machpay-xyz/settlement-engine/internal/netting"
)

func testBatch() *batch.SettlementBatch {
	return &batch.SettlementBatch{
		ID:     "batch-1",
		Status: batch.StatusBuilding,
		Instructions: []netting.NetInstruction{
			{AgentID: "agent-a", VendorID: "vendor-x", Mint: "USDC", Delta: 50, IntentIDs: []string{"pi-1"}},
		},
	}
}

func fastConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		SubmitTimeout:   time.Second,
	}
}

func TestExecuteConfirms(t *testing.T) {
	mock := chain.NewMockClient()
	e := New(mock, nil, fastConfig())

	out := e.Execute(context.Background(), testBatch())
	assert.Equal(t, batch.StatusConfirmed, out.Status)
	assert.NotEmpty(t, out.Receipt)
	assert.Nil(t, out.Fatal)
	assert.False(t, out.Stalled)
	assert.Len(t, mock.Submitted(), 1)
}

func TestExecuteRetriesTransient(t *testing.T) {
	mock := chain.NewMockClient()
	mock.FailNext(
		&chain.TransientError{Err: errors.New("rpc timeout")},
		&chain.TransientError{Err: errors.New("congestion")},
	)
	e := New(mock, nil, fastConfig())

	out := e.Execute(context.Background(), testBatch())
	assert.Equal(t, batch.StatusConfirmed, out.Status)
	assert.Len(t, mock.Submitted(), 3, "two failures then success")
}

func TestExecuteFatalNeverRetries(t *testing.T) {
	mock := chain.NewMockClient()
	mock.FailNext(&chain.FatalError{
		Reason:  chain.ReasonInsufficientCollateral,
		AgentID: "agent-a",
	})
	e := New(mock, nil, fastConfig())

	out := e.Execute(context.Background(), testBatch())
	require.NotNil(t, out.Fatal)
	assert.Equal(t, chain.ReasonInsufficientCollateral, out.Fatal.Reason)
	assert.Equal(t, "agent-a", out.Fatal.AgentID)
	assert.False(t, out.Stalled)
	assert.Len(t, mock.Submitted(), 1, "fatal failures must not be retried")
}

func TestExecuteStallsAfterRetryExhaustion(t *testing.T) {
	mock := chain.NewMockClient()
	transient := &chain.TransientError{Err: errors.New("down")}
	mock.FailNext(transient, transient, transient, transient)
	e := New(mock, nil, fastConfig())

	out := e.Execute(context.Background(), testBatch())
	assert.True(t, out.Stalled)
	assert.Nil(t, out.Fatal)
	assert.Equal(t, batch.StatusFailed, out.Status)
	assert.Len(t, mock.Submitted(), 4, "initial try plus MaxRetries")
}

func TestExecuteUnknownOutcomeConfirmsBeforeResubmit(t *testing.T) {
	mock := chain.NewMockClient()
	// First attempt fails with unknown outcome, but the submission actually
	// landed: confirm-by-batch-ID answers before any resubmission.
	mock.FailNext(&chain.TransientError{Err: errors.New("deadline exceeded")})
	mock.SetConfirm("batch-1", chain.ConfirmConfirmed)
	e := New(mock, nil, fastConfig())

	out := e.Execute(context.Background(), testBatch())
	assert.Equal(t, batch.StatusConfirmed, out.Status)
	assert.Equal(t, "batch-1", out.Receipt)
	assert.Len(t, mock.Submitted(), 1, "a landed submission must not be duplicated")
}

func TestExecuteConfirmFailedStalls(t *testing.T) {
	mock := chain.NewMockClient()
	e := New(mock, nil, fastConfig())

	// The submission lands but execution fails on chain.
	mock.SetConfirm("mock-tx-1", chain.ConfirmFailed)

	out := e.Execute(context.Background(), testBatch())
	assert.True(t, out.Stalled)
	assert.Equal(t, batch.StatusFailed, out.Status)
}

func TestExecuteOpenBreakerIsTransient(t *testing.T) {
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	mock := chain.NewMockClient()
	transient := &chain.TransientError{Err: errors.New("down")}
	mock.FailNext(transient, transient, transient, transient, transient)

	e := New(mock, breaker, fastConfig())
	out := e.Execute(context.Background(), testBatch())

	// The breaker opens after the first failure; subsequent attempts are
	// rejected fast and the batch stalls instead of failing fatally.
	assert.True(t, out.Stalled)
	assert.Nil(t, out.Fatal)
	assert.Less(t, len(mock.Submitted()), 5, "open breaker short-circuits submissions")
}
