package trade

import (
	"context"
	"time"

	"github.com/mbd888/steamtrader/internal/requests"
)

// EventType names an observable transition.
type EventType string

const (
	EventTradeCreated     EventType = "trade_created"
	EventFundingSecured   EventType = "funding_secured"
	EventSaleLocked       EventType = "sale_locked"
	EventRefundRequested  EventType = "refund_requested"
	EventSellerHasItem    EventType = "seller_has_item"
	EventBuyerHasItem     EventType = "buyer_has_item"
	EventSaleCompleted    EventType = "sale_completed"
	EventRefundGranted    EventType = "refund_granted"
	EventOracleRequested  EventType = "oracle_requested"
	EventRequestCancelled EventType = "request_cancelled"
)

// Event is emitted after a transition has been persisted. Trade is a
// snapshot and may be shared between subscribers; treat it as read-only.
type Event struct {
	Type          EventType        `json:"type"`
	TradeID       string           `json:"tradeId"`
	Trade         *Trade           `json:"trade,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Purpose       requests.Purpose `json:"purpose,omitempty"`
	At            time.Time        `json:"at"`
}

// EventEmitter publishes events to read replicas and live subscribers.
// Emit must not block on slow consumers and must not call back into the
// Service.
type EventEmitter interface {
	Emit(ctx context.Context, ev Event)
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) {}
