package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/machpay-xyz/settlement-engine/internal/batch"
)

// MockClient is a scriptable chain collaborator for tests and local runs.
// Each queued response is consumed in order; once the script is exhausted,
// every submission succeeds.
type MockClient struct {
	mu        sync.Mutex
	script    []error
	submitted []*batch.SettlementBatch
	confirmed map[string]ConfirmStatus
	seq       int
}

// NewMockClient creates a mock that confirms everything.
func NewMockClient() *MockClient {
	return &MockClient{confirmed: make(map[string]ConfirmStatus)}
}

// FailNext queues errors to return from the next Submit calls, in order.
func (m *MockClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, errs...)
}

// SetConfirm overrides the confirm answer for a transaction reference.
func (m *MockClient) SetConfirm(txRef string, st ConfirmStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[txRef] = st
}

// Submitted returns every batch handed to Submit, including failed tries.
func (m *MockClient) Submitted() []*batch.SettlementBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*batch.SettlementBatch{}, m.submitted...)
}

func (m *MockClient) Submit(ctx context.Context, b *batch.SettlementBatch) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, b)
	if len(m.script) > 0 {
		err := m.script[0]
		m.script = m.script[1:]
		if err != nil {
			return "", err
		}
	}
	m.seq++
	txRef := fmt.Sprintf("mock-tx-%d", m.seq)
	if _, preset := m.confirmed[txRef]; !preset {
		m.confirmed[txRef] = ConfirmConfirmed
	}
	return txRef, nil
}

func (m *MockClient) Confirm(ctx context.Context, txRef string) (ConfirmStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.confirmed[txRef]; ok {
		return st, nil
	}
	return ConfirmUnknown, nil
}

var _ Client = (*MockClient)(nil)
