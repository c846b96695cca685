// Package trade implements the fiat↔crypto trade state machine.
//
// Flow (happy path):
//  1. Taker opens a trade against a published offer → request_created
//  2. Maker accepts → request_accepted
//  3. Seller funds escrow with the exact amount → escrow_funded
//  4. Buyer attests the fiat payment → fiat_deposited
//  5. Seller releases → escrow_released, buyer's pending withdrawal credited
//
// Side branches: cancel before acceptance, expiry, refund after expiry, and
// dispute → arbitrator resolution. Every transition is applied under a
// per-trade lock and recorded in an append-only state history.
package trade

import (
	"errors"
	"strings"
	"time"

	"github.com/kverko/fiatswap/internal/offer"
)

var (
	ErrTradeNotFound     = errors.New("trade not found")
	ErrUnauthorized      = errors.New("caller is not allowed to perform this action")
	ErrInvalidTransition = errors.New("action not valid from the trade's current state")
	ErrTradeExpired      = errors.New("trade has expired")
	ErrNotExpired        = errors.New("trade has not expired yet")
	ErrAmountMismatch    = errors.New("amount must equal the trade amount exactly")
	ErrInvalidAmount     = errors.New("amount outside the offer's bounds")
	ErrSelfTrade         = errors.New("taker cannot trade against their own offer")
	ErrInvalidOutcome    = errors.New("unknown dispute outcome")
)

// State is a trade lifecycle state.
type State string

const (
	StateRequestCreated   State = "request_created"
	StateRequestAccepted  State = "request_accepted"
	StateEscrowFunded     State = "escrow_funded"
	StateFiatDeposited    State = "fiat_deposited"
	StateEscrowReleased   State = "escrow_released"
	StateEscrowRefunded   State = "escrow_refunded"
	StateRequestCancelled State = "request_cancelled"
	StateRequestExpired   State = "request_expired"
	StateDisputeOpened    State = "dispute_opened"
	StateDisputeResolved  State = "dispute_resolved"
)

// transitions is the full directed graph. No mutation path exists outside it.
var transitions = map[State][]State{
	StateRequestCreated:  {StateRequestAccepted, StateRequestCancelled, StateRequestExpired},
	StateRequestAccepted: {StateEscrowFunded, StateRequestExpired},
	StateEscrowFunded:    {StateFiatDeposited, StateEscrowRefunded, StateDisputeOpened},
	StateFiatDeposited:   {StateEscrowReleased, StateEscrowRefunded, StateDisputeOpened},
	StateDisputeOpened:   {StateDisputeResolved},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateEscrowReleased, StateEscrowRefunded, StateRequestCancelled,
		StateRequestExpired, StateDisputeResolved:
		return true
	}
	return false
}

// Outcome is an arbitrator's dispute resolution.
type Outcome string

const (
	OutcomeReleaseToBuyer Outcome = "release_to_buyer"
	OutcomeRefundToSeller Outcome = "refund_to_seller"
)

// Valid reports whether the outcome is a known value.
func (o Outcome) Valid() bool {
	return o == OutcomeReleaseToBuyer || o == OutcomeRefundToSeller
}

// HistoryEntry is one step of the append-only state log.
type HistoryEntry struct {
	State State     `json:"state"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// Trade is one trade opened against an offer. Owned jointly by buyer and
// seller; only the assigned arbitrator may act on it once disputed.
type Trade struct {
	ID      string          `json:"id"`
	OfferID string          `json:"offerId"`
	// Direction is copied from the offer at creation and fixes which party
	// is the maker: buy → maker is the buyer, sell → maker is the seller.
	Direction offer.Direction `json:"direction"`
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Fiat      string          `json:"fiat"`
	Denom     string          `json:"denom"`
	Amount    int64           `json:"amount"`

	// LockedPrice is the oracle quote captured at creation, in fiat minor
	// units per whole token. Fixed for the trade's lifetime.
	LockedPrice int64 `json:"lockedPrice"`

	State State `json:"state"`

	// BuyerContact is an encrypted payload exchanged out of band; the
	// protocol stores it opaquely.
	BuyerContact string `json:"buyerContact,omitempty"`

	Arbitrator          string `json:"arbitrator,omitempty"`
	ArbitratorProof     string `json:"arbitratorProof,omitempty"`
	ArbitratorFallback  bool   `json:"arbitratorFallback,omitempty"`
	DisputeReason       string `json:"disputeReason,omitempty"`
	Resolution          string `json:"resolution,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	DisputeDeadline *time.Time `json:"disputeDeadline,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	History []HistoryEntry `json:"history"`
}

// Maker is the party who published the offer.
func (t *Trade) Maker() string {
	if t.Direction == offer.DirectionBuy {
		return t.Buyer
	}
	return t.Seller
}

// Taker is the counterparty who opened the trade.
func (t *Trade) Taker() string {
	if t.Direction == offer.DirectionBuy {
		return t.Seller
	}
	return t.Buyer
}

// IsParty reports whether addr is the buyer or the seller.
func (t *Trade) IsParty(addr string) bool {
	addr = strings.ToLower(addr)
	return addr == t.Buyer || addr == t.Seller
}

// IsTerminal reports whether the trade admits no further transitions.
func (t *Trade) IsTerminal() bool {
	return t.State.Terminal()
}

// setState applies a transition and appends it to the history. Callers have
// already validated the transition against the graph.
func (t *Trade) setState(next State, actor string, now time.Time) {
	t.State = next
	t.UpdatedAt = now
	t.History = append(t.History, HistoryEntry{State: next, Actor: strings.ToLower(actor), At: now})
}
