package arbitration

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-memory arbitrator registry for demo/development mode.
type MemoryRegistry struct {
	mu          sync.RWMutex
	arbitrators map[string]*Arbitrator
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{arbitrators: make(map[string]*Arbitrator)}
}

func (m *MemoryRegistry) Put(ctx context.Context, a *Arbitrator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.arbitrators[a.Addr]; ok {
		return ErrAlreadyRegistered
	}
	cp := *a
	cp.Fiats = append([]string(nil), a.Fiats...)
	m.arbitrators[a.Addr] = &cp
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, addr string) (*Arbitrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.arbitrators[addr]
	if !ok {
		return nil, ErrArbitratorNotFound
	}
	cp := *a
	cp.Fiats = append([]string(nil), a.Fiats...)
	return &cp, nil
}

func (m *MemoryRegistry) ListActiveByFiat(ctx context.Context, fiat string) ([]*Arbitrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Arbitrator
	for _, a := range m.arbitrators {
		if a.Active && a.SupportsFiat(fiat) {
			cp := *a
			cp.Fiats = append([]string(nil), a.Fiats...)
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryRegistry) SetActive(ctx context.Context, addr string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.arbitrators[addr]
	if !ok {
		return ErrArbitratorNotFound
	}
	a.Active = active
	return nil
}
