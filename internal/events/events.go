// Package events fans domain events (order, channel and settlement changes)
// out to subscribers: WebSocket clients and an optional Kafka topic.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	OrderCreated        = "order_created"
	OrderMatched        = "order_matched"
	OrderCancelled      = "order_cancelled"
	OrderExpired        = "order_expired"
	ChannelUpdated      = "channel_updated"
	ChannelClosed       = "channel_closed"
	SettlementCompleted = "settlement_completed"
	SettlementFailed    = "settlement_failed"
)

// Event is the JSON message delivered to every sink.
type Event struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	PropertyID    string    `json:"property_id,omitempty"`
	OrderType     string    `json:"order_type,omitempty"`
	Status        string    `json:"status,omitempty"`
	Quantity      int64     `json:"quantity,omitempty"`
	Price         string    `json:"price,omitempty"`
	ChannelID     string    `json:"channel_id,omitempty"`
	Nonce         uint64    `json:"nonce,omitempty"`
	TxHash        string    `json:"tx_hash,omitempty"`
	OrdersSettled int       `json:"orders_settled,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Key groups related events for partitioned sinks: channel first, then
// property, then order.
func (e Event) Key() string {
	switch {
	case e.ChannelID != "":
		return e.ChannelID
	case e.PropertyID != "":
		return e.PropertyID
	}
	return e.OrderID
}

// Publisher delivers events. Publish never blocks order flow on a slow
// subscriber; sinks log and count their own failures.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Multi publishes each event to every sink in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
