// Package transport bridges the trade core to the cross-chain message
// layer. Delivery is at-least-once and unordered, so the inbound dispatcher
// is idempotent per message id: a redelivered envelope is a no-op.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kverko/fiatswap/internal/idgen"
	"github.com/kverko/fiatswap/internal/metrics"
	"github.com/kverko/fiatswap/internal/retry"
	"github.com/kverko/fiatswap/internal/traces"
	"github.com/kverko/fiatswap/internal/trade"
)

var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrBadEnvelope = errors.New("malformed message envelope")
)

// Kind tags an envelope. The set is closed: the dispatcher matches every
// kind exhaustively and rejects anything else.
type Kind string

const (
	KindCreateTrade       Kind = "create_trade"
	KindAcceptRequest     Kind = "accept_request"
	KindFundEscrow        Kind = "fund_escrow"
	KindMarkFiatDeposited Kind = "mark_fiat_deposited"
	KindReleaseEscrow     Kind = "release_escrow"
	KindRefundEscrow      Kind = "refund_escrow"
	KindCancelRequest     Kind = "cancel_request"
	KindOpenDispute       Kind = "open_dispute"
	KindResolveDispute    Kind = "resolve_dispute"
)

// Envelope is one cross-chain message. ID is assigned by the sender and is
// the idempotency key; fields beyond Kind/TradeID/Actor are set per kind.
type Envelope struct {
	MsgID   string    `json:"msgId"`
	Kind    Kind      `json:"kind"`
	TradeID string    `json:"tradeId,omitempty"`
	OfferID string    `json:"offerId,omitempty"`
	Actor   string    `json:"actor"`
	Amount  int64     `json:"amount,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Contact string    `json:"contact,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// SeenStore records processed message ids. Mark must be atomic: if two
// concurrent deliveries Mark the same id, exactly one sees firstTime=true.
type SeenStore interface {
	Mark(ctx context.Context, msgID string) (firstTime bool, err error)
	// Unmark forgets an id so the sender's redelivery can retry a message
	// whose dispatch failed.
	Unmark(ctx context.Context, msgID string) error
	Seen(ctx context.Context, msgID string) (bool, error)
}

// TradeOps is the slice of the trade service the dispatcher drives.
type TradeOps interface {
	Create(ctx context.Context, taker string, req trade.CreateRequest) (*trade.Trade, error)
	Accept(ctx context.Context, tradeID, caller string) (*trade.Trade, error)
	Fund(ctx context.Context, tradeID, caller string, amount int64) (*trade.Trade, error)
	MarkFiatDeposited(ctx context.Context, tradeID, caller string) (*trade.Trade, error)
	Release(ctx context.Context, tradeID, caller string) (*trade.Trade, error)
	Refund(ctx context.Context, tradeID, caller string) (*trade.Trade, error)
	Cancel(ctx context.Context, tradeID, caller string) (*trade.Trade, error)
	Dispute(ctx context.Context, tradeID, caller, reason string) (*trade.Trade, error)
	Resolve(ctx context.Context, tradeID, caller string, outcome trade.Outcome) (*trade.Trade, error)
}

// Dispatcher applies inbound envelopes to the trade core exactly once per
// message id.
type Dispatcher struct {
	trades TradeOps
	seen   SeenStore
	logger *slog.Logger
}

// NewDispatcher creates an inbound message dispatcher.
func NewDispatcher(trades TradeOps, seen SeenStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{trades: trades, seen: seen, logger: logger}
}

// Process applies one inbound message. Redelivery of an already-processed id
// returns nil without touching the trade core. A dispatch failure unmarks
// the id so the transport's at-least-once redelivery can retry; the error is
// returned so the transport nacks the delivery.
func (d *Dispatcher) Process(ctx context.Context, env *Envelope) error {
	if env.MsgID == "" || env.Actor == "" {
		return fmt.Errorf("%w: msgId and actor are required", ErrBadEnvelope)
	}

	ctx, span := traces.StartSpan(ctx, "transport.Process", traces.MessageID(env.MsgID))
	defer span.End()

	first, err := d.seen.Mark(ctx, env.MsgID)
	if err != nil {
		return fmt.Errorf("mark message %s: %w", env.MsgID, err)
	}
	if !first {
		d.logger.Debug("duplicate message delivery ignored", "msgId", env.MsgID, "kind", env.Kind)
		metrics.MessagesProcessedTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	if err := d.dispatch(ctx, env); err != nil {
		if unmarkErr := d.seen.Unmark(ctx, env.MsgID); unmarkErr != nil {
			d.logger.Error("failed to unmark message after dispatch error",
				"msgId", env.MsgID, "dispatchError", err, "unmarkError", unmarkErr)
		}
		metrics.MessagesProcessedTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.MessagesProcessedTotal.WithLabelValues("applied").Inc()
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, env *Envelope) error {
	var err error
	switch env.Kind {
	case KindCreateTrade:
		_, err = d.trades.Create(ctx, env.Actor, trade.CreateRequest{
			OfferID:      env.OfferID,
			Amount:       env.Amount,
			BuyerContact: env.Contact,
		})
	case KindAcceptRequest:
		_, err = d.trades.Accept(ctx, env.TradeID, env.Actor)
	case KindFundEscrow:
		_, err = d.trades.Fund(ctx, env.TradeID, env.Actor, env.Amount)
	case KindMarkFiatDeposited:
		_, err = d.trades.MarkFiatDeposited(ctx, env.TradeID, env.Actor)
	case KindReleaseEscrow:
		_, err = d.trades.Release(ctx, env.TradeID, env.Actor)
	case KindRefundEscrow:
		_, err = d.trades.Refund(ctx, env.TradeID, env.Actor)
	case KindCancelRequest:
		_, err = d.trades.Cancel(ctx, env.TradeID, env.Actor)
	case KindOpenDispute:
		_, err = d.trades.Dispute(ctx, env.TradeID, env.Actor, env.Reason)
	case KindResolveDispute:
		_, err = d.trades.Resolve(ctx, env.TradeID, env.Actor, trade.Outcome(env.Outcome))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return err
}

// SendFunc hands an outbound envelope to the underlying transport.
type SendFunc func(ctx context.Context, env *Envelope) error

// Outbox assigns message ids to outbound envelopes and hands them to the
// transport, retrying transient send failures. The id is stamped once, before
// the first attempt, so redelivered copies carry the same id and the far side
// can deduplicate.
type Outbox struct {
	send        SendFunc
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// NewOutbox creates an outbound sender.
func NewOutbox(send SendFunc, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{send: send, logger: logger, maxAttempts: 3, baseDelay: 200 * time.Millisecond}
}

// Send stamps the envelope with a fresh message id and dispatches it.
func (o *Outbox) Send(ctx context.Context, env *Envelope) (string, error) {
	env.MsgID = idgen.WithPrefix("msg_")
	env.SentAt = time.Now()
	err := retry.Do(ctx, o.maxAttempts, o.baseDelay, func() error {
		return o.send(ctx, env)
	})
	if err != nil {
		return "", fmt.Errorf("send message %s: %w", env.MsgID, err)
	}
	o.logger.Debug("message sent", "msgId", env.MsgID, "kind", env.Kind)
	return env.MsgID, nil
}
