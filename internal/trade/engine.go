package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/estateshare/trade-engine/internal/channel"
	"github.com/estateshare/trade-engine/internal/events"
	"github.com/estateshare/trade-engine/internal/metrics"
	"github.com/estateshare/trade-engine/internal/model"
	"github.com/estateshare/trade-engine/internal/network"
	"github.com/estateshare/trade-engine/internal/store"
)

// Execution is the outcome of applying one matched order.
type Execution struct {
	Order        *model.Order        `json:"order"`
	Position     *model.Position     `json:"position"`
	Property     *model.Property     `json:"property"`
	RealizedGain decimal.Decimal     `json:"realized_gain"`
	Channel      *model.ChannelState `json:"channel,omitempty"`

	// ChannelErr is set when the ledger committed but the channel step did
	// not. The order stays MATCHED; it is not rolled back.
	ChannelErr error `json:"-"`

	wallet string
}

// Engine applies the economic effect of matched orders: position and
// property-pool changes in one store transaction, then a transfer on the
// payment channel between the investor's wallet and the property contract.
type Engine struct {
	store    store.Store
	registry *channel.Registry
	adapter  network.Adapter
	events   events.Publisher

	opens singleflight.Group
	now   func() time.Time
}

// NewEngine creates an execution engine. Pass nil for pub to disable events.
func NewEngine(st store.Store, reg *channel.Registry, adapter network.Adapter, pub events.Publisher) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		store:    st,
		registry: reg,
		adapter:  adapter,
		events:   pub,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Execute applies a MATCHED order's ledger effect in its own transaction,
// then updates the order's payment channel. Channel failures are reported in
// Execution.ChannelErr, not as an error.
//
// Execute is the entry point for orders matched outside Service.CreateOrder,
// such as a replayed or externally matched order. CreateOrder runs the same
// applyLedger and recordChannel steps itself, because every fill of one
// incoming order must commit in the matching transaction.
func (e *Engine) Execute(ctx context.Context, o *model.Order) (*Execution, error) {
	var exec *Execution
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		exec, err = e.applyLedger(ctx, tx, o)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.recordChannel(ctx, exec)
	return exec, nil
}

// applyLedger mutates the position and property pool for o inside tx.
func (e *Engine) applyLedger(ctx context.Context, tx store.Tx, o *model.Order) (*Execution, error) {
	if o.Status != model.OrderMatched || o.FilledQuantity <= 0 {
		return nil, fmt.Errorf("%w: order %s is %s with fill %d",
			model.ErrInvalidStateTransition, o.ID, o.Status, o.FilledQuantity)
	}
	start := time.Now()

	user, err := tx.GetUser(ctx, o.UserID)
	if err != nil {
		return nil, err
	}
	prop, err := tx.GetProperty(ctx, o.PropertyID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	filled := o.FilledQuantity
	exec := &Execution{Order: o, Property: prop, RealizedGain: decimal.Zero, wallet: user.WalletAddress}

	pos, err := tx.GetPosition(ctx, o.UserID, o.PropertyID)
	switch o.Type {
	case model.OrderBuy:
		if errors.Is(err, model.ErrPositionNotFound) {
			pos = &model.Position{
				ID:         uuid.New().String(),
				UserID:     o.UserID,
				PropertyID: o.PropertyID,
				CreatedAt:  now,
			}
		} else if err != nil {
			return nil, err
		}
		if err := prop.Reserve(filled, now); err != nil {
			return nil, fmt.Errorf("%w: property %s has %d available, order %s fills %d",
				err, prop.ID, prop.AvailableShares, o.ID, filled)
		}
		if err := pos.ApplyBuy(filled, o.Price, prop.PricePerShare, now); err != nil {
			return nil, err
		}

	case model.OrderSell:
		if err != nil {
			return nil, err
		}
		realized, err := pos.ApplySell(filled, o.Price, prop.PricePerShare, now)
		if err != nil {
			return nil, err
		}
		if err := prop.Release(filled); err != nil {
			return nil, fmt.Errorf("%w: releasing %d to property %s", err, filled, prop.ID)
		}
		exec.RealizedGain = realized

	default:
		return nil, fmt.Errorf("%w: unknown order type %q", model.ErrInvalidOrder, o.Type)
	}

	if err := tx.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := tx.UpdateProperty(ctx, prop); err != nil {
		return nil, err
	}

	exec.Position = pos
	metrics.ExecutionLatency.WithLabelValues(string(o.Type)).Observe(time.Since(start).Seconds())
	metrics.SharesTraded.WithLabelValues(o.PropertyID, string(o.Type)).Add(float64(filled))
	return exec, nil
}

// recordChannel transfers the filled units on the channel between the
// investor and the property, stamps the order and persists the stamp.
// Runs after the ledger commit and never undoes it.
func (e *Engine) recordChannel(ctx context.Context, exec *Execution) {
	o := exec.Order
	user, contract := exec.wallet, exec.Property.ContractAddress
	from, to := user, contract
	if o.Type == model.OrderSell {
		from, to = contract, user
	}

	fail := func(step string, err error) {
		exec.ChannelErr = fmt.Errorf("channel %s for order %s: %w", step, o.ID, err)
		metrics.ChannelUpdates.WithLabelValues("failed").Inc()
		slog.Warn("channel update failed; ledger kept",
			"order_id", o.ID, "step", step, "channel_id", o.ChannelID, "err", err)
	}

	id, err := e.resolveChannel(ctx, user, contract)
	if err != nil {
		fail("open", err)
		return
	}

	amount := decimal.NewFromInt(o.FilledQuantity)
	state, err := e.registry.Update(id, from, to, amount)
	if err != nil {
		fail("update", err)
		return
	}
	o.ChannelID = id
	exec.Channel = &state

	res, err := e.adapter.Update(ctx, id, network.UpdatePayload{
		OrderID: o.ID, From: from, To: to, Amount: amount,
	}, state.Nonce)
	if err != nil {
		fail("network update", err)
	} else {
		o.TransactionID = res.TxID
		metrics.ChannelUpdates.WithLabelValues("ok").Inc()
	}

	o.UpdatedAt = e.now()
	if err := e.store.UpdateOrder(ctx, o); err != nil {
		slog.Error("failed to persist channel stamp", "order_id", o.ID, "channel_id", id, "err", err)
		if exec.ChannelErr == nil {
			exec.ChannelErr = err
		}
	}

	e.events.Publish(ctx, events.Event{
		Type:       events.ChannelUpdated,
		OrderID:    o.ID,
		PropertyID: o.PropertyID,
		ChannelID:  id,
		Nonce:      state.Nonce,
		Timestamp:  o.UpdatedAt,
	})
}

// resolveChannel returns the open channel between a and b, opening one on
// the network first if none exists. Concurrent opens for one pair collapse
// into a single network call.
func (e *Engine) resolveChannel(ctx context.Context, a, b string) (string, error) {
	if id, ok := e.registry.Find(a, b); ok {
		return id, nil
	}

	key := a + "|" + b
	if b < a {
		key = b + "|" + a
	}
	v, err, _ := e.opens.Do(key, func() (interface{}, error) {
		if id, ok := e.registry.Find(a, b); ok {
			return id, nil
		}
		collateral := e.registry.DefaultCollateral()
		netID, err := e.adapter.Open(ctx, [2]string{a, b}, collateral)
		if err != nil {
			return "", err
		}
		id, err := e.registry.Register(netID, a, b, collateral)
		if err != nil {
			return "", err
		}
		metrics.OpenChannels.Set(float64(e.registry.Len()))
		slog.Info("channel opened", "channel_id", id, "participants", []string{a, b}, "network", e.adapter.Name())
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Channel returns a snapshot of a channel.
func (e *Engine) Channel(id string) (model.ChannelState, error) {
	return e.registry.Get(id)
}

// CloseChannel stops further updates on the channel, submits its final state
// to the network and marks it closed once the network accepts.
func (e *Engine) CloseChannel(ctx context.Context, id string) (*model.Closure, error) {
	closure, err := e.registry.Close(id)
	if err != nil {
		return nil, err
	}

	final, err := e.adapter.Close(ctx, id, closure)
	if err != nil {
		return nil, fmt.Errorf("close channel %s: %w", id, err)
	}
	if err := e.registry.MarkClosed(id); err != nil {
		return nil, err
	}
	metrics.OpenChannels.Set(float64(e.registry.Len()))

	slog.Info("channel closed", "channel_id", id, "nonce", closure.Nonce)
	e.events.Publish(ctx, events.Event{
		Type:      events.ChannelClosed,
		ChannelID: id,
		Nonce:     closure.Nonce,
		Timestamp: e.now(),
	})
	return final, nil
}
