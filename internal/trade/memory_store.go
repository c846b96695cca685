package trade

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory trade store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]*Trade
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]*Trade)}
}

// clone deep-copies a trade. The history backing array must not be shared,
// or an append on the copy mutates the stored trade.
func clone(t *Trade) *Trade {
	cp := *t
	cp.History = make([]HistoryEntry, len(t.History))
	copy(cp.History, t.History)
	if t.DisputeDeadline != nil {
		d := *t.DisputeDeadline
		cp.DisputeDeadline = &d
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return clone(t), nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[t.ID]; !ok {
		return ErrTradeNotFound
	}
	m.trades[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr = strings.ToLower(addr)
	var result []*Trade
	for _, t := range m.trades {
		if t.Buyer == addr || t.Seller == addr {
			result = append(result, clone(t))
		}
	}
	return sortAndTrim(result, limit), nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.State == state {
			result = append(result, clone(t))
		}
	}
	return sortAndTrim(result, limit), nil
}

func (m *MemoryStore) ListExpirable(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if (t.State == StateRequestCreated || t.State == StateRequestAccepted) && t.ExpiresAt.Before(before) {
			result = append(result, clone(t))
		}
	}
	return sortAndTrim(result, limit), nil
}

func sortAndTrim(trades []*Trade, limit int) []*Trade {
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades
}
