// Package offer manages published maker offers.
//
// Flow:
//  1. Maker publishes an offer (direction, fiat, rate, min/max, denom)
//  2. Takers open trades against it; each open trade pins the offer
//  3. A pinned offer only allows rate/description changes
//  4. The maker pauses or archives the offer to stop new trades
package offer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kverko/fiatswap/internal/idgen"
	"github.com/kverko/fiatswap/internal/syncutil"
)

var (
	ErrOfferNotFound = errors.New("offer not found")
	ErrUnauthorized  = errors.New("not the offer owner")
	ErrOfferInactive = errors.New("offer is not open for new trades")
	ErrOfferPinned   = errors.New("field is immutable while trades are open against this offer")
	ErrInvalidBounds = errors.New("invalid min/max amount bounds")
)

// Direction says which side of the trade the maker takes.
type Direction string

const (
	DirectionBuy  Direction = "buy"  // maker buys crypto: maker is the buyer
	DirectionSell Direction = "sell" // maker sells crypto: maker is the seller
)

// Valid reports whether the direction is a known value.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// State is the offer lifecycle state.
type State string

const (
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateArchived State = "archived"
)

// Offer is a published maker offer.
type Offer struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Direction   Direction `json:"direction"`
	Fiat        string    `json:"fiat"`  // ISO 4217, uppercase
	Denom       string    `json:"denom"` // token denomination, base units
	RateBps     int64     `json:"rateBps"` // price relative to the oracle quote, 10000 = par
	MinAmount   int64     `json:"minAmount"`
	MaxAmount   int64     `json:"maxAmount"`
	Description string    `json:"description,omitempty"`
	State       State     `json:"state"`
	OpenTrades  int       `json:"openTrades"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AcceptsAmount reports whether amount falls inside the offer's bounds.
func (o *Offer) AcceptsAmount(amount int64) bool {
	return amount >= o.MinAmount && amount <= o.MaxAmount
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer) error
	List(ctx context.Context, filter Filter, limit int) ([]*Offer, error)
}

// Filter narrows offer listings.
type Filter struct {
	Owner     string
	Fiat      string
	Direction Direction
	State     State
}

// CreateRequest contains the parameters for publishing an offer.
type CreateRequest struct {
	Direction   Direction `json:"direction" binding:"required"`
	Fiat        string    `json:"fiat" binding:"required"`
	Denom       string    `json:"denom" binding:"required"`
	RateBps     int64     `json:"rateBps" binding:"required"`
	MinAmount   int64     `json:"minAmount" binding:"required"`
	MaxAmount   int64     `json:"maxAmount" binding:"required"`
	Description string    `json:"description"`
}

// UpdateRequest mutates an offer. Nil fields are left unchanged.
type UpdateRequest struct {
	RateBps     *int64  `json:"rateBps"`
	MinAmount   *int64  `json:"minAmount"`
	MaxAmount   *int64  `json:"maxAmount"`
	Description *string `json:"description"`
}

// Service implements offer business logic.
type Service struct {
	store Store
	locks syncutil.KeyedMutex // per-offer serialization of read-modify-write mutations
}

// NewService creates a new offer service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create publishes a new offer owned by the caller.
func (s *Service) Create(ctx context.Context, owner string, req CreateRequest) (*Offer, error) {
	if !req.Direction.Valid() {
		return nil, errors.New("direction must be buy or sell")
	}
	if req.MinAmount <= 0 || req.MaxAmount < req.MinAmount {
		return nil, ErrInvalidBounds
	}

	now := time.Now()
	o := &Offer{
		ID:          idgen.WithPrefix("ofr_"),
		Owner:       strings.ToLower(owner),
		Direction:   req.Direction,
		Fiat:        strings.ToUpper(req.Fiat),
		Denom:       strings.ToLower(req.Denom),
		RateBps:     req.RateBps,
		MinAmount:   req.MinAmount,
		MaxAmount:   req.MaxAmount,
		Description: req.Description,
		State:       StateActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns an offer by id.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// List returns offers matching the filter.
func (s *Service) List(ctx context.Context, filter Filter, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, filter, limit)
}

// Update mutates an offer. Only the owner may update; while trades are open
// against the offer only rate and description may change.
func (s *Service) Update(ctx context.Context, id, caller string, req UpdateRequest) (*Offer, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, o.Owner) {
		return nil, ErrUnauthorized
	}
	if o.OpenTrades > 0 && (req.MinAmount != nil || req.MaxAmount != nil) {
		return nil, ErrOfferPinned
	}

	if req.RateBps != nil {
		o.RateBps = *req.RateBps
	}
	if req.Description != nil {
		o.Description = *req.Description
	}
	if req.MinAmount != nil {
		o.MinAmount = *req.MinAmount
	}
	if req.MaxAmount != nil {
		o.MaxAmount = *req.MaxAmount
	}
	if o.MinAmount <= 0 || o.MaxAmount < o.MinAmount {
		return nil, ErrInvalidBounds
	}

	o.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// SetState moves an offer between active/paused/archived. Owner only.
func (s *Service) SetState(ctx context.Context, id, caller string, state State) (*Offer, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, o.Owner) {
		return nil, ErrUnauthorized
	}
	o.State = state
	o.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Pin records a newly opened trade against the offer. Fails if the offer is
// not open for new trades. The per-offer lock makes the counter bump atomic
// against concurrent pins and unpins.
func (s *Service) Pin(ctx context.Context, id string) (*Offer, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.State != StateActive {
		return nil, ErrOfferInactive
	}
	o.OpenTrades++
	o.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Unpin records an open trade reaching a terminal state.
func (s *Service) Unpin(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.OpenTrades > 0 {
		o.OpenTrades--
	}
	o.UpdatedAt = time.Now()
	return s.store.Update(ctx, o)
}
