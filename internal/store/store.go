// Package store defines the ledger persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/estateshare/trade-engine/internal/model"
)

// Tx is the set of ledger operations available inside a transaction. Every
// write made through a Tx commits or rolls back together.
type Tx interface {
	// GetUser retrieves a user by ID. Returns model.ErrUserNotFound if absent.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetProperty retrieves a property by ID. Inside a transaction the row is
	// locked until commit.
	GetProperty(ctx context.Context, id string) (*model.Property, error)

	// UpdateProperty persists the share pool and funding status.
	UpdateProperty(ctx context.Context, p *model.Property) error

	// GetPosition retrieves the (user, property) position.
	// Returns model.ErrPositionNotFound if the user never bought.
	GetPosition(ctx context.Context, userID, propertyID string) (*model.Position, error)

	// SavePosition inserts or updates a position keyed by (user, property).
	SavePosition(ctx context.Context, p *model.Position) error

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// UpdateOrder persists status, fill, channel and settlement fields.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// FindCounterOrder returns the earliest-created pending order that can
	// trade against o (see model.Order.Compatible).
	// Returns model.ErrOrderNotFound when nothing qualifies.
	FindCounterOrder(ctx context.Context, o *model.Order) (*model.Order, error)

	// PendingSellQuantity sums the quantity of the user's PENDING sell
	// orders on a property: shares already offered to the book.
	PendingSellQuantity(ctx context.Context, userID, propertyID string) (int64, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Tx

	// WithTx runs fn in a single transaction. If fn returns an error, none
	// of its writes are visible afterwards.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Collaborator records ---

	CreateUser(ctx context.Context, u *model.User) error
	CreateProperty(ctx context.Context, p *model.Property) error

	// --- Order queries ---

	// ListUnsettledOrders returns all MATCHED orders with no settled_at.
	ListUnsettledOrders(ctx context.Context) ([]model.Order, error)

	// ListMatchedOrdersByChannel returns MATCHED, unsettled orders on one channel.
	ListMatchedOrdersByChannel(ctx context.Context, channelID string) ([]model.Order, error)

	// ListExpiredOrders returns PENDING orders whose expires_at <= now.
	ListExpiredOrders(ctx context.Context, now time.Time) ([]model.Order, error)

	// ListOrdersByUser returns a user's orders, newest first.
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// ListOrdersByProperty returns a property's orders, newest first.
	ListOrdersByProperty(ctx context.Context, propertyID string) ([]model.Order, error)

	// --- Position queries ---

	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
	ListPositionsByProperty(ctx context.Context, propertyID string) ([]model.Position, error)
}
