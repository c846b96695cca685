// Package oracle defines the read-only price quote contract consumed at
// trade creation. Aggregation and ingestion live outside this service; the
// trade core only pins a quote and enforces a staleness tolerance.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoQuote    = errors.New("no quote for this fiat/denom pair")
	ErrStaleQuote = errors.New("quote is older than the staleness tolerance")
)

// Quote is a single fiat price for a token denom.
// Price is fiat minor units (e.g. cents) per whole token.
type Quote struct {
	Fiat      string    `json:"fiat"`
	Denom     string    `json:"denom"`
	Price     int64     `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Source supplies quotes. Implementations are external collaborators; the
// trade core only consumes this interface.
type Source interface {
	GetQuote(ctx context.Context, fiat, denom string) (*Quote, error)
}

// CheckFresh enforces the caller-side staleness tolerance.
func CheckFresh(q *Quote, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	if age := now.Sub(q.Timestamp); age > maxAge {
		return fmt.Errorf("%w: %s old", ErrStaleQuote, age.Round(time.Second))
	}
	return nil
}

// StaticSource serves operator-pinned quotes, refreshed by Set. Used in
// development mode and in tests; production deployments plug in a real feed.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]*Quote
	now    func() time.Time
}

// NewStaticSource creates an empty static quote source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		quotes: make(map[string]*Quote),
		now:    time.Now,
	}
}

// Set pins a price for a fiat/denom pair, stamped now.
func (s *StaticSource) Set(fiat, denom string, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[pairKey(fiat, denom)] = &Quote{
		Fiat:      strings.ToUpper(fiat),
		Denom:     strings.ToLower(denom),
		Price:     price,
		Timestamp: s.now(),
	}
}

func (s *StaticSource) GetQuote(ctx context.Context, fiat, denom string) (*Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[pairKey(fiat, denom)]
	if !ok {
		return nil, ErrNoQuote
	}
	cp := *q
	return &cp, nil
}

func pairKey(fiat, denom string) string {
	return strings.ToUpper(fiat) + "/" + strings.ToLower(denom)
}
