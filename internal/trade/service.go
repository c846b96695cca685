package trade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kverko/fiatswap/internal/arbitration"
	"github.com/kverko/fiatswap/internal/custody"
	"github.com/kverko/fiatswap/internal/fees"
	"github.com/kverko/fiatswap/internal/idgen"
	"github.com/kverko/fiatswap/internal/offer"
	"github.com/kverko/fiatswap/internal/oracle"
	"github.com/kverko/fiatswap/internal/reputation"
	"github.com/kverko/fiatswap/internal/syncutil"
	"github.com/kverko/fiatswap/internal/traces"
)

// OfferService is the slice of the offer package the state machine needs.
type OfferService interface {
	Get(ctx context.Context, id string) (*offer.Offer, error)
	Pin(ctx context.Context, id string) (*offer.Offer, error)
	Unpin(ctx context.Context, id string) error
}

// Assigner selects an arbitrator for a disputed trade.
type Assigner interface {
	Assign(ctx context.Context, tradeID, fiat string) (*arbitration.Assignment, error)
}

// Escrow is the slice of the custody ledger the state machine drives.
type Escrow interface {
	Deposit(ctx context.Context, tradeID, denom string, amount int64, depositor, caller string) (*custody.Record, error)
	Release(ctx context.Context, tradeID string, payouts []custody.Payout) error
	Refund(ctx context.Context, tradeID, recipient string) (int64, error)
	Resolve(ctx context.Context, tradeID, outcome string, payouts []custody.Payout) error
	Freeze(ctx context.Context, tradeID string) error
}

// EventSink receives a notification after every committed transition.
// Delivery is best-effort and must not block the transition.
type EventSink interface {
	TradeChanged(ctx context.Context, t *Trade)
}

// FeeRecipients routes the fee components at settlement.
type FeeRecipients struct {
	Burn       string
	Chain      string
	Warchest   string
	Conversion string
}

// Config tunes the state machine.
type Config struct {
	Fees          fees.Config
	FeeRecipients FeeRecipients

	// DefaultExpiry bounds a trade's lifetime when the caller does not pick
	// one; MinExpiry/MaxExpiry clamp caller-supplied durations.
	DefaultExpiry time.Duration
	MinExpiry     time.Duration
	MaxExpiry     time.Duration

	// DisputeWindow is how long the assigned arbitrator has to resolve.
	DisputeWindow time.Duration

	// QuoteMaxAge is the staleness tolerance for the locked price quote.
	QuoteMaxAge time.Duration
}

// Service is the trade state machine: the only component allowed to mutate
// a trade record or move escrowed funds.
type Service struct {
	cfg      Config
	store    Store
	offers   OfferService
	escrow   Escrow
	assigner Assigner
	quotes   oracle.Source
	notify   reputation.Notifier
	events   EventSink
	logger   *slog.Logger

	locks syncutil.KeyedMutex // per-trade serialization
	now   func() time.Time
}

// NewService creates the trade state machine.
func NewService(cfg Config, store Store, offers OfferService, escrow Escrow, assigner Assigner, quotes oracle.Source, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultExpiry == 0 {
		cfg.DefaultExpiry = time.Hour
	}
	if cfg.MinExpiry == 0 {
		cfg.MinExpiry = 10 * time.Minute
	}
	if cfg.MaxExpiry == 0 {
		cfg.MaxExpiry = 48 * time.Hour
	}
	if cfg.DisputeWindow == 0 {
		cfg.DisputeWindow = 72 * time.Hour
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		offers:   offers,
		escrow:   escrow,
		assigner: assigner,
		quotes:   quotes,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier adds the reputation notification sink.
func (s *Service) WithNotifier(n reputation.Notifier) *Service {
	s.notify = n
	return s
}

// WithEvents adds a transition event sink.
func (s *Service) WithEvents(e EventSink) *Service {
	s.events = e
	return s
}

// CreateRequest carries the parameters for opening a trade. ExpirySeconds
// zero means the configured default; out-of-range values are clamped.
type CreateRequest struct {
	OfferID       string `json:"offerId" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	BuyerContact  string `json:"buyerContact"`
	ExpirySeconds int64  `json:"expirySeconds"`
}

// Create opens a trade against an offer. The caller is the taker; the offer
// direction decides whether they take the buyer or the seller seat. The
// oracle quote is captured here and fixed for the trade's lifetime.
func (s *Service) Create(ctx context.Context, taker string, req CreateRequest) (*Trade, error) {
	taker = strings.ToLower(taker)

	ctx, span := traces.StartSpan(ctx, "trade.Create",
		traces.PartyAddr(taker), traces.OfferID(req.OfferID), traces.Amount(req.Amount))
	defer span.End()

	o, err := s.offers.Get(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(taker, o.Owner) {
		return nil, ErrSelfTrade
	}
	if !o.AcceptsAmount(req.Amount) {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidAmount, req.Amount, o.MinAmount, o.MaxAmount)
	}

	now := s.now()
	quote, err := s.quotes.GetQuote(ctx, o.Fiat, o.Denom)
	if err != nil {
		return nil, fmt.Errorf("price quote: %w", err)
	}
	if err := oracle.CheckFresh(quote, now, s.cfg.QuoteMaxAge); err != nil {
		return nil, err
	}

	// Pin checks the offer is open and blocks bound changes while the
	// trade is live.
	if _, err := s.offers.Pin(ctx, o.ID); err != nil {
		return nil, err
	}

	expiry := time.Duration(req.ExpirySeconds) * time.Second
	if expiry == 0 {
		expiry = s.cfg.DefaultExpiry
	}
	if expiry < s.cfg.MinExpiry {
		expiry = s.cfg.MinExpiry
	}
	if expiry > s.cfg.MaxExpiry {
		expiry = s.cfg.MaxExpiry
	}

	buyer, seller := o.Owner, taker
	if o.Direction == offer.DirectionSell {
		buyer, seller = taker, o.Owner
	}

	t := &Trade{
		ID:           idgen.WithPrefix("trd_"),
		OfferID:      o.ID,
		Direction:    o.Direction,
		Buyer:        buyer,
		Seller:       seller,
		Fiat:         o.Fiat,
		Denom:        o.Denom,
		Amount:       req.Amount,
		LockedPrice:  applyRate(quote.Price, o.RateBps),
		BuyerContact: req.BuyerContact,
		CreatedAt:    now,
		ExpiresAt:    now.Add(expiry),
		UpdatedAt:    now,
	}
	t.setState(StateRequestCreated, taker, now)

	if err := s.store.Create(ctx, t); err != nil {
		_ = s.offers.Unpin(ctx, o.ID)
		return nil, fmt.Errorf("create trade record: %w", err)
	}

	s.emit(ctx, t)
	return t, nil
}

// Accept moves request_created → request_accepted. Maker only. Acceptance
// restarts the expiry clock.
func (s *Service) Accept(ctx context.Context, tradeID, caller string) (*Trade, error) {
	return s.transition(ctx, tradeID, StateRequestAccepted, caller, func(t *Trade, now time.Time) error {
		if !strings.EqualFold(caller, t.Maker()) {
			return ErrUnauthorized
		}
		if Expired(t, now) {
			return ErrTradeExpired
		}
		t.ExpiresAt = now.Add(s.cfg.DefaultExpiry)
		return nil
	}, nil)
}

// Fund moves request_accepted → escrow_funded. Seller only, exact amount.
// The new state is committed before the custody deposit so a reentrant call
// cannot observe a pre-transition trade and double-fund; the custody
// ledger's own duplicate check backs this up.
func (s *Service) Fund(ctx context.Context, tradeID, caller string, amount int64) (*Trade, error) {
	return s.transition(ctx, tradeID, StateEscrowFunded, caller, func(t *Trade, now time.Time) error {
		if !strings.EqualFold(caller, t.Seller) {
			return ErrUnauthorized
		}
		if Expired(t, now) {
			return ErrTradeExpired
		}
		if amount != t.Amount {
			return fmt.Errorf("%w: got %d, trade amount %d", ErrAmountMismatch, amount, t.Amount)
		}
		return nil
	}, func(t *Trade) error {
		_, err := s.escrow.Deposit(ctx, t.ID, t.Denom, t.Amount, caller, caller)
		return err
	})
}

// MarkFiatDeposited moves escrow_funded → fiat_deposited. Buyer only.
// This records an attestation, not a verified payment: the protocol cannot
// see off-chain fiat movement. It starts the seller's release obligation.
func (s *Service) MarkFiatDeposited(ctx context.Context, tradeID, caller string) (*Trade, error) {
	return s.transition(ctx, tradeID, StateFiatDeposited, caller, func(t *Trade, now time.Time) error {
		if !strings.EqualFold(caller, t.Buyer) {
			return ErrUnauthorized
		}
		if Expired(t, now) {
			return ErrTradeExpired
		}
		return nil
	}, nil)
}

// Release settles the happy path: fiat_deposited → escrow_released.
// Seller only. The buyer is credited amount minus fees; fee components are
// routed to their configured recipients. All credits are pull-based pending
// withdrawals, drained by each recipient via the custody ledger.
func (s *Service) Release(ctx context.Context, tradeID, caller string) (*Trade, error) {
	var t *Trade
	var err error
	t, err = s.transition(ctx, tradeID, StateEscrowReleased, caller, func(t *Trade, now time.Time) error {
		if !strings.EqualFold(caller, t.Seller) {
			return ErrUnauthorized
		}
		return nil
	}, func(t *Trade) error {
		breakdown := fees.Compute(t.Amount, s.cfg.Fees, false)
		return s.escrow.Release(ctx, t.ID, s.payouts(t.Buyer, breakdown, "", 0))
	})
	if err != nil {
		return nil, err
	}

	s.unpin(ctx, t)
	s.notifyCompleted(ctx, t)
	return t, nil
}

// Refund unwinds a funded trade after expiry: the full escrowed amount goes
// back to the seller, no fee charged. Entitlement depends on the state; see
// RefundEntitled.
func (s *Service) Refund(ctx context.Context, tradeID, caller string) (*Trade, error) {
	t, err := s.transition(ctx, tradeID, StateEscrowRefunded, caller, func(t *Trade, now time.Time) error {
		if !t.IsParty(caller) {
			return ErrUnauthorized
		}
		if !Expired(t, now) {
			return ErrNotExpired
		}
		if !RefundEntitled(t, caller) {
			return ErrUnauthorized
		}
		return nil
	}, func(t *Trade) error {
		_, err := s.escrow.Refund(ctx, t.ID, t.Seller)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.unpin(ctx, t)
	return t, nil
}

// Cancel abandons an unaccepted trade: request_created → request_cancelled.
// Either party may cancel before acceptance; no escrow exists yet.
func (s *Service) Cancel(ctx context.Context, tradeID, caller string) (*Trade, error) {
	t, err := s.transition(ctx, tradeID, StateRequestCancelled, caller, func(t *Trade, now time.Time) error {
		if !t.IsParty(caller) {
			return ErrUnauthorized
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	s.unpin(ctx, t)
	return t, nil
}

// MarkExpired moves an expired pre-escrow trade to request_expired. Called
// by the sweeper; safe for anyone to call since it only applies the expiry
// policy.
func (s *Service) MarkExpired(ctx context.Context, tradeID string) (*Trade, error) {
	t, err := s.transition(ctx, tradeID, StateRequestExpired, "expiry", func(t *Trade, now time.Time) error {
		if !ExpiryEligible(t, now) {
			return ErrNotExpired
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	s.unpin(ctx, t)
	return t, nil
}

// Dispute opens a dispute from escrow_funded or fiat_deposited. Either party
// may open one. An arbitrator is assigned immediately and immutably, and the
// escrow is frozen until resolution.
func (s *Service) Dispute(ctx context.Context, tradeID, caller, reason string) (*Trade, error) {
	t, err := s.transition(ctx, tradeID, StateDisputeOpened, caller, func(t *Trade, now time.Time) error {
		if !t.IsParty(caller) {
			return ErrUnauthorized
		}

		asn, err := s.assigner.Assign(ctx, t.ID, t.Fiat)
		if err != nil {
			return err
		}
		if asn.Fallback {
			s.logger.Warn("arbitrator assigned via fallback randomness",
				"tradeId", t.ID, "arbitrator", asn.Arbitrator.Addr)
		}

		deadline := now.Add(s.cfg.DisputeWindow)
		t.Arbitrator = asn.Arbitrator.Addr
		t.ArbitratorProof = asn.Proof
		t.ArbitratorFallback = asn.Fallback
		t.DisputeReason = reason
		t.DisputeDeadline = &deadline
		return nil
	}, func(t *Trade) error {
		return s.escrow.Freeze(ctx, t.ID)
	})
	if err != nil {
		return nil, err
	}

	if s.notify != nil {
		s.notify.OnTradeDisputed(ctx, t.Buyer)
		s.notify.OnTradeDisputed(ctx, t.Seller)
	}
	return t, nil
}

// Resolve settles a dispute. Assigned arbitrator only. The arbitration fee
// is deducted from the settling amount and credited to the arbitrator; a
// release additionally charges the standard settlement fees.
func (s *Service) Resolve(ctx context.Context, tradeID, caller string, outcome Outcome) (*Trade, error) {
	if !outcome.Valid() {
		return nil, ErrInvalidOutcome
	}

	t, err := s.transition(ctx, tradeID, StateDisputeResolved, caller, func(t *Trade, now time.Time) error {
		if t.Arbitrator == "" || !strings.EqualFold(caller, t.Arbitrator) {
			return ErrUnauthorized
		}
		t.Resolution = string(outcome)
		return nil
	}, func(t *Trade) error {
		switch outcome {
		case OutcomeReleaseToBuyer:
			breakdown := fees.Compute(t.Amount, s.cfg.Fees, true)
			return s.escrow.Resolve(ctx, t.ID, "released", s.payouts(t.Buyer, breakdown, t.Arbitrator, breakdown.Arbitration))
		case OutcomeRefundToSeller:
			arbFee := fees.Compute(t.Amount, s.cfg.Fees, true).Arbitration
			payouts := []custody.Payout{{Recipient: t.Seller, Amount: t.Amount - arbFee}}
			if arbFee > 0 {
				payouts = append(payouts, custody.Payout{Recipient: t.Arbitrator, Amount: arbFee})
			}
			return s.escrow.Resolve(ctx, t.ID, "refunded", payouts)
		}
		return ErrInvalidOutcome
	})
	if err != nil {
		return nil, err
	}

	s.unpin(ctx, t)
	s.notifyCompleted(ctx, t)
	return t, nil
}

// Get returns a trade by id.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns trades involving an address, newest first.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, strings.ToLower(addr), limit)
}

// transition applies one state change under the trade's lock.
//
// Order of operations (checks-effects-interactions): validate caller and
// state, commit the new state to the store, then run the custody
// interaction. A custody failure rolls the committed state back; custody
// itself never calls back into this service, and the per-trade lock is held
// throughout, so no interleaved action can observe the rolled-back state.
func (s *Service) transition(ctx context.Context, tradeID string, next State, actor string, check func(*Trade, time.Time) error, interact func(*Trade) error) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.transition",
		traces.TradeID(tradeID), traces.TradeState(string(next)), traces.PartyAddr(actor))
	defer span.End()

	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	if !t.State.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.State, next)
	}

	now := s.now()
	prev := *t
	if err := check(t, now); err != nil {
		return nil, err
	}

	t.setState(next, actor, now)
	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("commit state %s: %w", next, err)
	}

	if interact != nil {
		if err := interact(t); err != nil {
			// Roll the state commit back; nothing has been credited.
			prev.UpdatedAt = s.now()
			if revertErr := s.store.Update(ctx, &prev); revertErr != nil {
				s.logger.Error("CRITICAL: state rollback failed after custody error",
					"tradeId", t.ID, "state", next, "custodyError", err, "rollbackError", revertErr)
			}
			return nil, err
		}
	}

	s.emit(ctx, t)
	return t, nil
}

// payouts builds the settlement payout set: net amount to the counterparty,
// fee components to their recipients, optional arbitration fee.
func (s *Service) payouts(counterparty string, b fees.Breakdown, arbitrator string, arbFee int64) []custody.Payout {
	payouts := []custody.Payout{{Recipient: counterparty, Amount: b.BuyerReceives}}
	for _, fp := range []struct {
		recipient string
		amount    int64
	}{
		{s.cfg.FeeRecipients.Burn, b.Burn},
		{s.cfg.FeeRecipients.Chain, b.Chain},
		{s.cfg.FeeRecipients.Warchest, b.Warchest},
		{s.cfg.FeeRecipients.Conversion, b.Conversion},
		{arbitrator, arbFee},
	} {
		if fp.amount > 0 && fp.recipient != "" {
			payouts = append(payouts, custody.Payout{Recipient: fp.recipient, Amount: fp.amount})
		}
	}
	return payouts
}

func (s *Service) unpin(ctx context.Context, t *Trade) {
	if err := s.offers.Unpin(ctx, t.OfferID); err != nil {
		s.logger.Warn("failed to unpin offer", "offerId", t.OfferID, "tradeId", t.ID, "error", err)
	}
}

func (s *Service) notifyCompleted(ctx context.Context, t *Trade) {
	if s.notify == nil {
		return
	}
	s.notify.OnTradeCompleted(ctx, t.Buyer)
	s.notify.OnTradeCompleted(ctx, t.Seller)
}

func (s *Service) emit(ctx context.Context, t *Trade) {
	if s.events != nil {
		s.events.TradeChanged(ctx, t)
	}
}

// applyRate adjusts the oracle price by the offer's rate in basis points.
func applyRate(price, rateBps int64) int64 {
	return price * rateBps / fees.BpsDenominator
}
