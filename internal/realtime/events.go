package realtime

import (
	"context"
	"time"

	"github.com/kverko/fiatswap/internal/metrics"
	"github.com/kverko/fiatswap/internal/trade"
)

// TradeEvents adapts the hub to the trade service's event sink. Every
// committed transition is broadcast; terminal transitions additionally
// record settlement metrics.
type TradeEvents struct {
	hub *Hub
}

// NewTradeEvents creates the trade event bridge.
func NewTradeEvents(hub *Hub) *TradeEvents {
	return &TradeEvents{hub: hub}
}

func (e *TradeEvents) TradeChanged(ctx context.Context, t *trade.Trade) {
	metrics.TradeTransitionsTotal.WithLabelValues(string(t.State)).Inc()

	eventType := EventTradeChanged
	switch {
	case t.State == trade.StateDisputeOpened:
		eventType = EventDisputeOpened
		metrics.DisputesOpenedTotal.Inc()
	case t.IsTerminal():
		eventType = EventTradeSettled
		metrics.TradesSettledTotal.WithLabelValues(string(t.State)).Inc()
		metrics.TradeDuration.Observe(t.UpdatedAt.Sub(t.CreatedAt).Seconds())
		if t.State == trade.StateDisputeResolved {
			if opened := disputeOpenedAt(t); !opened.IsZero() {
				metrics.DisputeResolutionDuration.Observe(t.UpdatedAt.Sub(opened).Seconds())
			}
		}
	}

	e.hub.Broadcast(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"tradeId": t.ID,
			"offerId": t.OfferID,
			"state":   string(t.State),
			"buyer":   t.Buyer,
			"seller":  t.Seller,
			"fiat":    t.Fiat,
			"denom":   t.Denom,
			"amount":  float64(t.Amount),
		},
	})
}

// disputeOpenedAt reads the dispute timestamp out of the append-only
// history log.
func disputeOpenedAt(t *trade.Trade) time.Time {
	for _, h := range t.History {
		if h.State == trade.StateDisputeOpened {
			return h.At
		}
	}
	return time.Time{}
}
