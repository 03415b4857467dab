// Package trade places, matches, executes and cancels property share
// orders, and reports portfolios.
//
// All monetary values use shopspring/decimal; share counts are int64.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/estateshare/trade-engine/internal/events"
	"github.com/estateshare/trade-engine/internal/metrics"
	"github.com/estateshare/trade-engine/internal/model"
	"github.com/estateshare/trade-engine/internal/store"
)

// DefaultOrderTTL is how long an unmatched order rests before the expiry
// sweep retires it.
const DefaultOrderTTL = 24 * time.Hour

// Config holds service settings.
type Config struct {
	Policy   Policy
	OrderTTL time.Duration
}

// Service is the order-facing API of the engine. Concurrent calls are safe:
// serialization happens in the store (per property) and in the channel
// registry (per channel), never globally.
type Service struct {
	store  store.Store
	engine *Engine
	policy Policy
	ttl    time.Duration
	events events.Publisher
	now    func() time.Time
}

// NewService creates a trade service. Pass nil for pub to disable events.
func NewService(st store.Store, engine *Engine, cfg Config, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyPrimaryPool
	}
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = DefaultOrderTTL
	}
	return &Service{
		store:  st,
		engine: engine,
		policy: cfg.Policy,
		ttl:    cfg.OrderTTL,
		events: pub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Policy reports the active matching policy.
func (s *Service) Policy() Policy { return s.policy }

// --- Collaborator records ---

// CreateUser registers an investor by wallet address.
func (s *Service) CreateUser(ctx context.Context, wallet string) (*model.User, error) {
	if wallet == "" {
		return nil, fmt.Errorf("%w: wallet address is required", model.ErrInvalidOrder)
	}
	u := &model.User{ID: uuid.New().String(), WalletAddress: wallet, CreatedAt: s.now()}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	slog.Info("user created", "id", u.ID, "wallet", wallet)
	return u, nil
}

// PropertyInput describes a property listing.
type PropertyInput struct {
	Name            string
	TotalShares     int64
	PricePerShare   decimal.Decimal
	ContractAddress string
}

// CreateProperty lists a property with its full share pool available.
func (s *Service) CreateProperty(ctx context.Context, in PropertyInput) (*model.Property, error) {
	if in.TotalShares <= 0 || !in.PricePerShare.IsPositive() || in.ContractAddress == "" {
		return nil, fmt.Errorf("%w: property needs shares, a positive price and a contract address", model.ErrInvalidOrder)
	}
	p := &model.Property{
		ID:              uuid.New().String(),
		Name:            in.Name,
		TotalShares:     in.TotalShares,
		AvailableShares: in.TotalShares,
		PricePerShare:   in.PricePerShare,
		ContractAddress: in.ContractAddress,
		Status:          model.PropertyActive,
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateProperty(ctx, p); err != nil {
		return nil, err
	}
	slog.Info("property created", "id", p.ID, "name", p.Name, "shares", p.TotalShares)
	return p, nil
}

// --- Orders ---

// OrderInput is a request to buy or sell shares.
type OrderInput struct {
	UserID     string
	PropertyID string
	Type       model.OrderType
	Quantity   int64
	Price      decimal.Decimal
}

// OrderResult is the placed order plus every execution it triggered (the
// order itself and, under the counter-order policy, its counterparty).
type OrderResult struct {
	Order      *model.Order `json:"order"`
	Executions []*Execution `json:"executions"`
}

// CreateOrder validates, persists and matches a new order, and applies the
// ledger effect of every resulting match, all in one transaction. Channel
// updates follow the commit.
func (s *Service) CreateOrder(ctx context.Context, in OrderInput) (*OrderResult, error) {
	if !in.Type.Valid() || in.Quantity <= 0 || !in.Price.IsPositive() || in.UserID == "" || in.PropertyID == "" {
		return nil, fmt.Errorf("%w: need user, property, buy/sell, positive quantity and price", model.ErrInvalidOrder)
	}

	now := s.now()
	expires := now.Add(s.ttl)
	o := &model.Order{
		ID:          uuid.New().String(),
		UserID:      in.UserID,
		PropertyID:  in.PropertyID,
		Type:        in.Type,
		Status:      model.OrderPending,
		Quantity:    in.Quantity,
		Price:       in.Price,
		TotalAmount: in.Price.Mul(decimal.NewFromInt(in.Quantity)),
		ExpiresAt:   &expires,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var execs []*Execution
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		execs = nil
		if err := s.checkOrder(ctx, tx, o); err != nil {
			return err
		}

		matched, err := match(ctx, tx, s.policy, o, now)
		if err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}

		for _, m := range matched {
			exec, err := s.engine.applyLedger(ctx, tx, m)
			if err != nil {
				return err
			}
			execs = append(execs, exec)
		}
		return nil
	})
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(string(in.Type), "rejected").Inc()
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Type), "created").Inc()
	slog.Info("order created",
		"order_id", o.ID,
		"user", o.UserID,
		"property", o.PropertyID,
		"type", o.Type,
		"qty", o.Quantity,
		"price", o.Price.String(),
		"status", o.Status,
	)
	s.publishOrder(ctx, events.OrderCreated, o)

	for _, exec := range execs {
		s.engine.recordChannel(ctx, exec)
		metrics.OrdersTotal.WithLabelValues(string(exec.Order.Type), "matched").Inc()
		s.publishOrder(ctx, events.OrderMatched, exec.Order)
	}
	return &OrderResult{Order: o, Executions: execs}, nil
}

// checkOrder rejects orders that could never execute: unknown user or
// property, a closed property, a buy larger than the pool (the whole
// property under the counter-order policy), or a sell larger than the
// seller's holding less the shares their resting sells already offer.
func (s *Service) checkOrder(ctx context.Context, tx store.Tx, o *model.Order) error {
	if _, err := tx.GetUser(ctx, o.UserID); err != nil {
		return err
	}
	prop, err := tx.GetProperty(ctx, o.PropertyID)
	if err != nil {
		return err
	}
	if !prop.Tradable() {
		return fmt.Errorf("%w: %s is %s", model.ErrPropertyNotTradable, prop.ID, prop.Status)
	}

	switch o.Type {
	case model.OrderBuy:
		// A counter-order buy is filled by a seller, not the pool; Reserve in
		// applyLedger still guards the pool once the sell has released.
		avail := prop.AvailableShares
		if s.policy == PolicyCounterOrder {
			avail = prop.TotalShares
		}
		if o.Quantity > avail {
			return fmt.Errorf("%w: %d requested, %d available", model.ErrInsufficientShares, o.Quantity, avail)
		}
	case model.OrderSell:
		held, err := heldShares(ctx, tx, o.UserID, o.PropertyID)
		if err != nil {
			return err
		}
		offered, err := tx.PendingSellQuantity(ctx, o.UserID, o.PropertyID)
		if err != nil {
			return err
		}
		if held-offered < o.Quantity {
			return fmt.Errorf("%w: holding %d, %d already offered, selling %d",
				model.ErrInsufficientShares, held, offered, o.Quantity)
		}
	}
	return nil
}

// GetOrder returns an order by id.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// CancelOrder cancels a PENDING order on behalf of its owner.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (*model.Order, error) {
	var cancelled *model.Order
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.CanCancel(userID) {
			return fmt.Errorf("%w: order %s is %s", model.ErrOrderNotCancellable, o.ID, o.Status)
		}
		if err := o.Transition(model.OrderCancelled, s.now()); err != nil {
			return err
		}
		cancelled = o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(cancelled.Type), "cancelled").Inc()
	slog.Info("order cancelled", "order_id", orderID, "user", userID)
	s.publishOrder(ctx, events.OrderCancelled, cancelled)
	return cancelled, nil
}

// ExpireOrders retires every PENDING order whose expiry has passed and
// returns how many were expired. Orders that changed state since the scan are
// skipped.
func (s *Service) ExpireOrders(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListExpiredOrders(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range due {
		var o *model.Order
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			cur, err := tx.GetOrder(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if cur.Status != model.OrderPending {
				return nil
			}
			if err := cur.Transition(model.OrderExpired, now); err != nil {
				return err
			}
			o = cur
			return tx.UpdateOrder(ctx, cur)
		})
		if err != nil {
			slog.Error("order expiry failed", "order_id", candidate.ID, "err", err)
			continue
		}
		if o == nil {
			continue
		}
		expired++
		metrics.OrdersTotal.WithLabelValues(string(o.Type), "expired").Inc()
		s.publishOrder(ctx, events.OrderExpired, o)
	}

	if expired > 0 {
		slog.Info("expired stale orders", "count", expired)
	}
	return expired, nil
}

// ListUserOrders returns a user's orders, newest first.
func (s *Service) ListUserOrders(ctx context.Context, userID string) ([]model.Order, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	orders, err := s.store.ListOrdersByUser(ctx, userID)
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, err
}

// ListPropertyOrders returns a property's orders, newest first.
func (s *Service) ListPropertyOrders(ctx context.Context, propertyID string) ([]model.Order, error) {
	if _, err := s.store.GetProperty(ctx, propertyID); err != nil {
		return nil, err
	}
	orders, err := s.store.ListOrdersByProperty(ctx, propertyID)
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, err
}

// GetPortfolio aggregates a user's positions.
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.Position{}
	}

	pf := &model.Portfolio{
		UserID:        userID,
		Positions:     positions,
		TotalInvested: decimal.Zero,
		CurrentValue:  decimal.Zero,
		RealizedGains: decimal.Zero,
	}
	for _, p := range positions {
		pf.TotalInvested = pf.TotalInvested.Add(p.TotalInvested)
		pf.CurrentValue = pf.CurrentValue.Add(p.CurrentValue)
		pf.RealizedGains = pf.RealizedGains.Add(p.RealizedGains)
		if p.Shares > 0 {
			pf.TotalProperties++
		}
	}
	pf.UnrealizedGains = pf.CurrentValue.Sub(pf.TotalInvested)
	return pf, nil
}

func (s *Service) publishOrder(ctx context.Context, typ string, o *model.Order) {
	s.events.Publish(ctx, events.Event{
		Type:       typ,
		OrderID:    o.ID,
		UserID:     o.UserID,
		PropertyID: o.PropertyID,
		OrderType:  string(o.Type),
		Status:     string(o.Status),
		Quantity:   o.Quantity,
		Price:      o.Price.String(),
		ChannelID:  o.ChannelID,
		Timestamp:  o.UpdatedAt,
	})
}
