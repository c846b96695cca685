// Package arbitration selects an arbitrator for disputed trades.
//
// Selection draws from a registry of active arbitrators filtered by the
// trade's fiat currency. The draw uses a verifiable randomness source when
// one is configured; otherwise it falls back to a pseudo-random draw seeded
// from trade entropy and the clock. The fallback is predictable under
// adversarial control of timing, so every assignment reports which source
// produced it.
package arbitration

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/kverko/fiatswap/internal/metrics"
)

var (
	ErrNoArbitratorAvailable = errors.New("no active arbitrator supports this fiat currency")
	ErrArbitratorNotFound    = errors.New("arbitrator not found")
	ErrAlreadyRegistered     = errors.New("arbitrator already registered")
)

// Arbitrator is a registered dispute resolver. Registered independently of
// any trade; trades reference, never own, an arbitrator.
type Arbitrator struct {
	Addr         string    `json:"addr"`
	Fiats        []string  `json:"fiats"` // ISO 4217 codes, uppercase
	PubKey       string    `json:"pubKey"` // hex, for encrypted dispute traffic
	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// SupportsFiat reports whether the arbitrator handles the given currency.
func (a *Arbitrator) SupportsFiat(fiat string) bool {
	fiat = strings.ToUpper(fiat)
	for _, f := range a.Fiats {
		if strings.ToUpper(f) == fiat {
			return true
		}
	}
	return false
}

// Registry persists arbitrator registrations.
type Registry interface {
	Put(ctx context.Context, a *Arbitrator) error
	Get(ctx context.Context, addr string) (*Arbitrator, error)
	ListActiveByFiat(ctx context.Context, fiat string) ([]*Arbitrator, error)
	SetActive(ctx context.Context, addr string, active bool) error
}

// Draw is one randomness draw.
type Draw struct {
	Value      [32]byte
	Proof      []byte // empty for non-verifiable sources
	Verifiable bool
}

// RandomSource produces randomness for arbitrator selection.
type RandomSource interface {
	Draw(seed []byte) (Draw, error)
}

// Assignment records the outcome of one selection. Fallback is true when the
// pseudo-random source produced the draw; callers must surface this.
type Assignment struct {
	Arbitrator *Arbitrator `json:"arbitrator"`
	Fallback   bool        `json:"fallback"`
	Proof      string      `json:"proof,omitempty"` // hex signature when verifiable
}

// Service assigns arbitrators to disputed trades.
type Service struct {
	registry Registry
	source   RandomSource // may be nil: fallback-only deployment
	fallback RandomSource
	logger   *slog.Logger
}

// NewService creates an assignment service. source may be nil.
func NewService(registry Registry, source RandomSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: registry,
		source:   source,
		fallback: NewFallbackSource(),
		logger:   logger,
	}
}

// Assign picks one active arbitrator supporting fiat for the given trade.
// The returned assignment is recorded once by the caller and is immutable
// for the trade's remaining lifetime.
func (s *Service) Assign(ctx context.Context, tradeID, fiat string) (*Assignment, error) {
	pool, err := s.registry.ListActiveByFiat(ctx, strings.ToUpper(fiat))
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, ErrNoArbitratorAvailable
	}

	// Canonical ordering so the draw maps to identical pools identically.
	sort.Slice(pool, func(i, j int) bool { return pool[i].Addr < pool[j].Addr })

	seed := []byte("arbsel|" + tradeID + "|" + strings.ToUpper(fiat))

	var draw Draw
	fallback := false
	if s.source != nil {
		draw, err = s.source.Draw(seed)
	}
	if s.source == nil || err != nil {
		if err != nil {
			s.logger.Warn("verifiable randomness unavailable, using fallback draw",
				"tradeId", tradeID, "error", err)
		}
		fallback = true
		draw, err = s.fallback.Draw(seed)
		if err != nil {
			return nil, err
		}
	}

	idx := new(big.Int).Mod(
		new(big.Int).SetBytes(draw.Value[:]),
		big.NewInt(int64(len(pool))),
	).Int64()

	if fallback {
		metrics.ArbitratorFallbackTotal.Inc()
	}

	asn := &Assignment{Arbitrator: pool[idx], Fallback: fallback}
	if draw.Verifiable {
		asn.Proof = hex.EncodeToString(draw.Proof)
	}
	return asn, nil
}

// Register adds an arbitrator to the registry.
func (s *Service) Register(ctx context.Context, addr, pubKey string, fiats []string) (*Arbitrator, error) {
	norm := make([]string, 0, len(fiats))
	for _, f := range fiats {
		norm = append(norm, strings.ToUpper(strings.TrimSpace(f)))
	}
	a := &Arbitrator{
		Addr:         strings.ToLower(addr),
		Fiats:        norm,
		PubKey:       pubKey,
		Active:       true,
		RegisteredAt: time.Now(),
	}
	if err := s.registry.Put(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns a registered arbitrator.
func (s *Service) Get(ctx context.Context, addr string) (*Arbitrator, error) {
	return s.registry.Get(ctx, strings.ToLower(addr))
}

// SetActive toggles an arbitrator's availability for new disputes.
func (s *Service) SetActive(ctx context.Context, addr string, active bool) error {
	return s.registry.SetActive(ctx, strings.ToLower(addr), active)
}
