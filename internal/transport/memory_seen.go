package transport

import (
	"context"
	"sync"
	"time"
)

// MemorySeen is an in-memory SeenStore for development and tests.
type MemorySeen struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemorySeen creates an empty in-memory seen store.
func NewMemorySeen() *MemorySeen {
	return &MemorySeen{seen: make(map[string]time.Time)}
}

func (m *MemorySeen) Mark(ctx context.Context, msgID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[msgID]; ok {
		return false, nil
	}
	m.seen[msgID] = time.Now()
	return true, nil
}

func (m *MemorySeen) Unmark(ctx context.Context, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, msgID)
	return nil
}

func (m *MemorySeen) Seen(ctx context.Context, msgID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[msgID]
	return ok, nil
}
