package trade

import (
	"context"
	"time"
)

// Store persists trades. The state history must come back in append order.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Update(ctx context.Context, t *Trade) error
	ListByParty(ctx context.Context, addr string, limit int) ([]*Trade, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Trade, error)
	// ListExpirable returns non-terminal, pre-escrow trades whose deadline
	// passed before the given time. Used by the expiry sweeper.
	ListExpirable(ctx context.Context, before time.Time, limit int) ([]*Trade, error)
}
