package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically marks expired pre-escrow trades. Expiry is evaluated
// lazily on every transition, so the sweeper is a tidying pass rather than a
// correctness requirement: a trade is expired as soon as its deadline passes
// whether or not the sweeper has visited it yet.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates an expiry sweeper.
func NewSweeper(service *Service, store Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass: every pre-escrow trade past its deadline is moved to
// the expired state. Exported so tests and admin tooling can trigger a pass
// without the loop.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.service.now()

	expirable, err := s.store.ListExpirable(ctx, now, 100)
	if err != nil {
		s.logger.Warn("failed to list expirable trades", "error", err)
		return
	}

	for _, t := range expirable {
		if _, err := s.service.MarkExpired(ctx, t.ID); err != nil {
			// A concurrent transition may have beaten the sweep; that is
			// fine, the trade simply no longer qualifies.
			s.logger.Debug("skipped expiry", "tradeId", t.ID, "error", err)
			continue
		}
		s.logger.Info("marked trade expired", "tradeId", t.ID, "offerId", t.OfferID)
	}
}
