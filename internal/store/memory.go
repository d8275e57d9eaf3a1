package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/machpay-xyz/settlement-engine/internal/intent"
)

// MemoryStore is the single-process, map-backed IntentStore. Used in tests
// and single-node development runs; it is not shared, so the engine will
// refuse to run more than one instance against it.
type MemoryStore struct {
	mu      sync.Mutex
	intents map[string]*intent.PaymentIntent
	order   []string
	payouts map[string]*PayoutRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*intent.PaymentIntent),
		payouts: make(map[string]*PayoutRecord),
	}
}

func (m *MemoryStore) Shared() bool { return false }

func (m *MemoryStore) Insert(ctx context.Context, pi *intent.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.intents[pi.ID]; exists {
		return ErrDuplicateIntent
	}
	cp := *pi
	if cp.Status == "" {
		cp.Status = intent.StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.intents[pi.ID] = &cp
	m.order = append(m.order, pi.ID)
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, limit int) ([]*intent.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*intent.PaymentIntent
	for _, id := range m.order {
		if len(claimed) >= limit {
			break
		}
		pi := m.intents[id]
		if pi.Status != intent.StatusPending {
			continue
		}
		pi.Status = intent.StatusProcessing
		cp := *pi
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) Release(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if pi, ok := m.intents[id]; ok && pi.Status == intent.StatusProcessing {
			pi.Status = intent.StatusPending
		}
	}
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, ids []string, st intent.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if pi, ok := m.intents[id]; ok {
			pi.Status = st
		}
	}
	return nil
}

func (m *MemoryStore) ListOutstanding(ctx context.Context, agentID string) ([]*intent.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*intent.PaymentIntent
	for _, id := range m.order {
		pi := m.intents[id]
		if pi.AgentID != agentID {
			continue
		}
		if pi.Status == intent.StatusPending || pi.Status == intent.StatusProcessing {
			cp := *pi
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) OutstandingTotal(ctx context.Context, agentID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, pi := range m.intents {
		if pi.AgentID != agentID {
			continue
		}
		if pi.Status == intent.StatusPending || pi.Status == intent.StatusProcessing {
			total += pi.Amount
		}
	}
	return total, nil
}

func (m *MemoryStore) SumForPair(ctx context.Context, agentID, vendorID string, now time.Time) (uint64, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum uint64
	var outstanding []string
	for _, id := range m.order {
		pi := m.intents[id]
		if pi.AgentID != agentID || pi.VendorID != vendorID {
			continue
		}
		switch pi.Status {
		case intent.StatusSettled:
			sum += pi.Amount
		case intent.StatusPending, intent.StatusProcessing:
			if !pi.Expired(now) {
				sum += pi.Amount
				outstanding = append(outstanding, pi.ID)
			}
		}
	}
	return sum, outstanding, nil
}

func (m *MemoryStore) InsertPayout(ctx context.Context, p *PayoutRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.payouts[p.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdatePayout(ctx context.Context, id string, st PayoutStatus, txRef, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = st
	p.TxReference = txRef
	p.Error = errMsg
	return nil
}

func (m *MemoryStore) ListPayouts(ctx context.Context, agentID string) ([]*PayoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PayoutRecord
	for _, p := range m.payouts {
		if p.AgentID == agentID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a copy of one intent row. Test helper.
func (m *MemoryStore) Get(id string) (*intent.PaymentIntent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.intents[id]
	if !ok {
		return nil, false
	}
	cp := *pi
	return &cp, true
}

func (m *MemoryStore) Close() error { return nil }

var _ IntentStore = (*MemoryStore)(nil)
