package offer

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory offer store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[o.ID]; !ok {
		return ErrOfferNotFound
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if filter.Owner != "" && o.Owner != strings.ToLower(filter.Owner) {
			continue
		}
		if filter.Fiat != "" && o.Fiat != strings.ToUpper(filter.Fiat) {
			continue
		}
		if filter.Direction != "" && o.Direction != filter.Direction {
			continue
		}
		if filter.State != "" && o.State != filter.State {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
