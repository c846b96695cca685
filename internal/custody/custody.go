// Package custody is the sole holder of in-flight trade funds.
//
// Flow:
//  1. Seller deposits the full trade amount → escrow record created
//  2. Settlement credits recipients' pending withdrawal balances (pull pattern)
//  3. Each recipient drains their own balance via Withdraw
//
// Fund movement never pushes value to a recipient-controlled callback during
// settlement; the external transfer happens only inside Withdraw, initiated
// by the recipient themselves.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kverko/fiatswap/internal/metrics"
	"github.com/kverko/fiatswap/internal/syncutil"
	"github.com/kverko/fiatswap/internal/traces"
)

var (
	ErrEscrowNotFound     = errors.New("escrow record not found")
	ErrAlreadyFunded      = errors.New("escrow already funded for this trade")
	ErrDepositorMismatch  = errors.New("declared depositor does not match caller")
	ErrInvalidAmount      = errors.New("invalid escrow amount")
	ErrEscrowCompleted    = errors.New("escrow already completed")
	ErrEscrowFrozen       = errors.New("escrow frozen pending dispute resolution")
	ErrInsufficientEscrow = errors.New("payouts do not match escrowed amount")
	ErrNothingToWithdraw  = errors.New("no pending balance to withdraw")
	ErrReentrancy         = errors.New("reentrant withdrawal detected")
)

// Record tracks the funds escrowed for a single trade. Exactly one record
// exists per trade id; once Completed it is never reopened.
type Record struct {
	TradeID   string    `json:"tradeId"`
	Denom     string    `json:"denom"`
	Amount    int64     `json:"amount"`
	Depositor string    `json:"depositor"`
	Frozen    bool      `json:"frozen"`
	Completed bool      `json:"completed"`
	Outcome   string    `json:"outcome,omitempty"` // released | refunded
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Credit is a pending withdrawal balance owed to a recipient.
type Credit struct {
	Recipient string `json:"recipient"`
	Denom     string `json:"denom"`
	Amount    int64  `json:"amount"`
}

// Store persists escrow records and pending withdrawal balances.
type Store interface {
	Create(ctx context.Context, r *Record) error // fails ErrAlreadyFunded on duplicate trade id
	Get(ctx context.Context, tradeID string) (*Record, error)
	Update(ctx context.Context, r *Record) error

	CreditPending(ctx context.Context, recipient, denom string, amount int64) error
	// DrainPending atomically reads and zeroes every pending balance for the
	// recipient, returning what was drained.
	DrainPending(ctx context.Context, recipient string) ([]Credit, error)
	Pending(ctx context.Context, recipient string) ([]Credit, error)
}

// TransferFunc performs the external value transfer for a withdrawal.
// It runs outside any settlement path; a failure re-credits the balance.
type TransferFunc func(ctx context.Context, recipient, denom string, amount int64) error

// Payout directs a slice of the escrowed amount to a recipient at settlement.
type Payout struct {
	Recipient string
	Amount    int64
}

// Ledger implements the custody rules on top of a Store.
type Ledger struct {
	store    Store
	transfer TransferFunc
	logger   *slog.Logger

	locks syncutil.KeyedMutex // per-recipient withdraw serialization

	// withdrawing guards against the transfer hook re-entering Withdraw
	// for the same recipient.
	withdrawing sync.Map
}

// NewLedger creates a custody ledger. transfer may be nil, in which case
// withdrawals only zero the internal balance (book-entry mode).
func NewLedger(store Store, transfer TransferFunc, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, transfer: transfer, logger: logger}
}

// Deposit escrows funds for a trade. The declared depositor must be the
// actual caller; depositing on behalf of someone else is rejected outright.
func (l *Ledger) Deposit(ctx context.Context, tradeID, denom string, amount int64, depositor, caller string) (*Record, error) {
	if !strings.EqualFold(depositor, caller) {
		return nil, ErrDepositorMismatch
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	rec := &Record{
		TradeID:   tradeID,
		Denom:     denom,
		Amount:    amount,
		Depositor: strings.ToLower(depositor),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	metrics.EscrowDepositsTotal.Inc()
	return rec, nil
}

// Release settles a funded escrow by crediting the given payouts as pending
// withdrawals. The payouts must sum to the escrowed amount exactly; partial
// settlement is not a thing this ledger supports.
func (l *Ledger) Release(ctx context.Context, tradeID string, payouts []Payout) error {
	return l.settle(ctx, tradeID, "released", payouts, false)
}

// Refund returns the full escrowed amount to a single recipient (the
// original depositor in every current caller). No fee is taken on refunds.
func (l *Ledger) Refund(ctx context.Context, tradeID, recipient string) (int64, error) {
	rec, err := l.store.Get(ctx, tradeID)
	if err != nil {
		return 0, err
	}
	if err := l.settle(ctx, tradeID, "refunded", []Payout{{Recipient: recipient, Amount: rec.Amount}}, false); err != nil {
		return 0, err
	}
	return rec.Amount, nil
}

// Resolve settles a frozen escrow on behalf of dispute resolution. It is the
// only settlement path allowed to move funds out of a frozen escrow.
func (l *Ledger) Resolve(ctx context.Context, tradeID, outcome string, payouts []Payout) error {
	return l.settle(ctx, tradeID, outcome, payouts, true)
}

func (l *Ledger) settle(ctx context.Context, tradeID, outcome string, payouts []Payout, resolved bool) error {
	rec, err := l.store.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if rec.Completed {
		return ErrEscrowCompleted
	}
	if rec.Frozen && !resolved {
		return ErrEscrowFrozen
	}

	var total int64
	for _, p := range payouts {
		if p.Amount < 0 {
			return ErrInvalidAmount
		}
		total += p.Amount
	}
	if total != rec.Amount {
		return fmt.Errorf("%w: payouts %d, escrowed %d", ErrInsufficientEscrow, total, rec.Amount)
	}

	// Mark the escrow completed before crediting balances so a repeated
	// settlement attempt observes the terminal record, never a stale one.
	rec.Completed = true
	rec.Frozen = false
	rec.Outcome = outcome
	rec.UpdatedAt = time.Now()
	if err := l.store.Update(ctx, rec); err != nil {
		return err
	}

	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		if err := l.store.CreditPending(ctx, strings.ToLower(p.Recipient), rec.Denom, p.Amount); err != nil {
			// The escrow is already terminal; surface loudly rather than
			// attempting a partial rollback of an append-only credit.
			l.logger.Error("CRITICAL: escrow settled but pending credit failed",
				"tradeId", tradeID, "recipient", p.Recipient, "amount", p.Amount, "error", err)
			return fmt.Errorf("credit pending withdrawal for %s: %w", p.Recipient, err)
		}
	}
	return nil
}

// Freeze locks a funded escrow while a dispute is open. A frozen escrow can
// only be settled through Release/Refund invoked by dispute resolution.
func (l *Ledger) Freeze(ctx context.Context, tradeID string) error {
	rec, err := l.store.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if rec.Completed {
		return ErrEscrowCompleted
	}
	rec.Frozen = true
	rec.UpdatedAt = time.Now()
	return l.store.Update(ctx, rec)
}

// Withdraw drains the caller's entire pending balance. The read-and-zero and
// the external transfer form one serialized step per recipient; concurrent
// calls cannot double-spend, and a transfer failure re-credits the balance.
func (l *Ledger) Withdraw(ctx context.Context, caller string) ([]Credit, error) {
	recipient := strings.ToLower(caller)

	ctx, span := traces.StartSpan(ctx, "custody.Withdraw", traces.PartyAddr(recipient))
	defer span.End()

	if _, busy := l.withdrawing.LoadOrStore(recipient, struct{}{}); busy {
		return nil, ErrReentrancy
	}
	defer l.withdrawing.Delete(recipient)

	unlock := l.locks.Lock(recipient)
	defer unlock()

	credits, err := l.store.DrainPending(ctx, recipient)
	if err != nil {
		return nil, err
	}
	if len(credits) == 0 {
		return nil, ErrNothingToWithdraw
	}

	if l.transfer != nil {
		for i, c := range credits {
			if err := l.transfer(ctx, recipient, c.Denom, c.Amount); err != nil {
				// Re-credit everything not yet transferred, this entry included.
				for _, rc := range credits[i:] {
					if cerr := l.store.CreditPending(ctx, recipient, rc.Denom, rc.Amount); cerr != nil {
						l.logger.Error("CRITICAL: failed to re-credit after transfer failure",
							"recipient", recipient, "denom", rc.Denom, "amount", rc.Amount, "error", cerr)
					}
				}
				return credits[:i], fmt.Errorf("transfer %d %s to %s: %w", c.Amount, c.Denom, recipient, err)
			}
		}
	}
	metrics.WithdrawalsTotal.Inc()
	return credits, nil
}

// Balance returns the currently escrowed amount for a trade, zero once the
// escrow has completed.
func (l *Ledger) Balance(ctx context.Context, tradeID string) (int64, error) {
	rec, err := l.store.Get(ctx, tradeID)
	if err != nil {
		return 0, err
	}
	if rec.Completed {
		return 0, nil
	}
	return rec.Amount, nil
}

// Get returns the escrow record for a trade.
func (l *Ledger) Get(ctx context.Context, tradeID string) (*Record, error) {
	return l.store.Get(ctx, tradeID)
}

// Pending returns the caller's pending withdrawal balances.
func (l *Ledger) Pending(ctx context.Context, caller string) ([]Credit, error) {
	return l.store.Pending(ctx, strings.ToLower(caller))
}
