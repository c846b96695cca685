package trade

import (
	"strings"
	"time"
)

// Expiry policy. Stateless: every check takes the trade and the current time,
// so the core never needs an always-on timer. Timeouts are evaluated lazily
// at the next state-changing call; the background sweeper in timer.go is an
// operational convenience on top, not a correctness requirement.

// Expired reports whether the trade is past its deadline.
func Expired(t *Trade, now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// InDisputeWindow reports whether a dispute resolution deadline is still open.
func InDisputeWindow(t *Trade, now time.Time) bool {
	return t.DisputeDeadline != nil && now.Before(*t.DisputeDeadline)
}

// ExpiryEligible reports whether the sweeper may mark the trade
// request_expired: expired with no escrow at stake.
func ExpiryEligible(t *Trade, now time.Time) bool {
	if !Expired(t, now) {
		return false
	}
	return t.State == StateRequestCreated || t.State == StateRequestAccepted
}

// RefundEntitled reports whether caller may trigger refundEscrow once the
// trade has expired. From escrow_funded either party may unwind (no fiat has
// been attested). From fiat_deposited only the buyer may: the buyer has
// attested a payment, so the seller must not be able to reclaim the escrow
// unilaterally. The buyer's remedies are refund-by-choice or dispute.
func RefundEntitled(t *Trade, caller string) bool {
	caller = strings.ToLower(caller)
	switch t.State {
	case StateEscrowFunded:
		return caller == t.Buyer || caller == t.Seller
	case StateFiatDeposited:
		return caller == t.Buyer
	}
	return false
}
