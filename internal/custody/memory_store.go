package custody

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory custody store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	pending map[string]map[string]int64 // recipient -> denom -> amount
}

// NewMemoryStore creates a new in-memory custody store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		pending: make(map[string]map[string]int64),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.TradeID]; ok {
		return ErrAlreadyFunded
	}
	cp := *r
	m.records[r.TradeID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, tradeID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[tradeID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.TradeID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *r
	m.records[r.TradeID] = &cp
	return nil
}

func (m *MemoryStore) CreditPending(ctx context.Context, recipient, denom string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byDenom, ok := m.pending[recipient]
	if !ok {
		byDenom = make(map[string]int64)
		m.pending[recipient] = byDenom
	}
	byDenom[denom] += amount
	return nil
}

func (m *MemoryStore) DrainPending(ctx context.Context, recipient string) ([]Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byDenom := m.pending[recipient]
	if len(byDenom) == 0 {
		return nil, nil
	}
	delete(m.pending, recipient)

	credits := make([]Credit, 0, len(byDenom))
	for denom, amount := range byDenom {
		if amount > 0 {
			credits = append(credits, Credit{Recipient: recipient, Denom: denom, Amount: amount})
		}
	}
	sort.Slice(credits, func(i, j int) bool { return credits[i].Denom < credits[j].Denom })
	return credits, nil
}

func (m *MemoryStore) Pending(ctx context.Context, recipient string) ([]Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byDenom := m.pending[recipient]
	credits := make([]Credit, 0, len(byDenom))
	for denom, amount := range byDenom {
		if amount > 0 {
			credits = append(credits, Credit{Recipient: recipient, Denom: denom, Amount: amount})
		}
	}
	sort.Slice(credits, func(i, j int) bool { return credits[i].Denom < credits[j].Denom })
	return credits, nil
}
