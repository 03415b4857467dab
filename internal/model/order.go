package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the trade direction.
type OrderType string

const (
	OrderBuy  OrderType = "buy"
	OrderSell OrderType = "sell"
)

// Opposite returns the counter-side order type.
func (t OrderType) Opposite() OrderType {
	if t == OrderBuy {
		return OrderSell
	}
	return OrderBuy
}

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderBuy || t == OrderSell
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderMatched   OrderStatus = "matched"
	OrderSettling  OrderStatus = "settling"
	OrderSettled   OrderStatus = "settled"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// transitions lists every permitted status change. SETTLING → MATCHED is the
// settlement rollback when the network rejects a batch.
var transitions = map[OrderStatus]map[OrderStatus]bool{
	OrderPending: {
		OrderMatched:   true,
		OrderCancelled: true,
		OrderExpired:   true,
	},
	OrderMatched: {
		OrderSettling: true,
		OrderExpired:  true,
	},
	OrderSettling: {
		OrderSettled: true,
		OrderMatched: true,
	},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	return transitions[from][to]
}

// Terminal reports whether no transition leaves s.
func (s OrderStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Order is a buy or sell instruction for shares of one property.
type Order struct {
	ID                 string          `json:"id" db:"id"`
	UserID             string          `json:"user_id" db:"user_id"`
	PropertyID         string          `json:"property_id" db:"property_id"`
	Type               OrderType       `json:"type" db:"type"`
	Status             OrderStatus     `json:"status" db:"status"`
	Quantity           int64           `json:"quantity" db:"quantity"`
	FilledQuantity     int64           `json:"filled_quantity" db:"filled_quantity"`
	Price              decimal.Decimal `json:"price" db:"price"`
	TotalAmount        decimal.Decimal `json:"total_amount" db:"total_amount"`
	ChannelID          string          `json:"channel_id,omitempty" db:"channel_id"`
	TransactionID      string          `json:"transaction_id,omitempty" db:"transaction_id"`
	MatchedWithOrderID string          `json:"matched_with_order_id,omitempty" db:"matched_with_order_id"`
	TxHash             string          `json:"tx_hash,omitempty" db:"tx_hash"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	MatchedAt          *time.Time      `json:"matched_at,omitempty" db:"matched_at"`
	SettledAt          *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Transition moves the order to status to, or returns
// ErrInvalidStateTransition and leaves the order untouched.
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: order %s %s -> %s", ErrInvalidStateTransition, o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// Match marks the order MATCHED with the given fill. counterID is empty when
// the fill came from the property's primary pool.
func (o *Order) Match(filled int64, counterID string, now time.Time) error {
	if filled <= 0 || filled > o.Quantity {
		return fmt.Errorf("%w: fill %d outside (0, %d]", ErrInvalidOrder, filled, o.Quantity)
	}
	if err := o.Transition(OrderMatched, now); err != nil {
		return err
	}
	o.FilledQuantity = filled
	o.MatchedWithOrderID = counterID
	t := now
	o.MatchedAt = &t
	return nil
}

// CanCancel reports whether userID may cancel the order.
func (o *Order) CanCancel(userID string) bool {
	return o.Status == OrderPending && o.UserID == userID
}

// Unsettled reports whether the order is waiting for batch settlement.
func (o *Order) Unsettled() bool {
	return o.Status == OrderMatched && o.SettledAt == nil
}

// Compatible reports whether o and counter can trade: opposite sides, same
// property, different orders, and the buy price covers the sell price.
func (o *Order) Compatible(counter *Order) bool {
	if counter.ID == o.ID || counter.PropertyID != o.PropertyID || counter.Type != o.Type.Opposite() {
		return false
	}
	buy, sell := o, counter
	if o.Type == OrderSell {
		buy, sell = counter, o
	}
	return buy.Price.GreaterThanOrEqual(sell.Price)
}
