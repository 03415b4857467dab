// Package settlement batches MATCHED orders per payment channel and commits
// each channel's net exposure to the settlement network.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/estateshare/trade-engine/internal/events"
	"github.com/estateshare/trade-engine/internal/metrics"
	"github.com/estateshare/trade-engine/internal/model"
	"github.com/estateshare/trade-engine/internal/network"
	"github.com/estateshare/trade-engine/internal/store"
)

// ChannelSource provides channel snapshots. *channel.Registry satisfies it.
type ChannelSource interface {
	Get(channelID string) (model.ChannelState, error)
}

// Config holds scheduler settings.
type Config struct {
	Timeout     time.Duration // per-channel adapter deadline
	Concurrency int           // channels settled in parallel per cycle
}

// Scheduler settles channels. It keeps no state between cycles apart from
// per-channel locks.
type Scheduler struct {
	store    store.Store
	channels ChannelSource
	adapter  network.Adapter
	events   events.Publisher
	timeout  time.Duration
	limit    int
	locks    keyedMutex
	now      func() time.Time
}

// NewScheduler creates a settlement scheduler. Pass nil for pub to disable
// events.
func NewScheduler(st store.Store, channels ChannelSource, adapter network.Adapter, cfg Config, pub events.Publisher) *Scheduler {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Scheduler{
		store:    st,
		channels: channels,
		adapter:  adapter,
		events:   pub,
		timeout:  cfg.Timeout,
		limit:    cfg.Concurrency,
		locks:    keyedMutex{locks: make(map[string]*keyLock)},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Settlement is one channel's committed batch.
type Settlement struct {
	ChannelID     string           `json:"channel_id"`
	Receipt       *network.Receipt `json:"receipt"`
	OrdersSettled int              `json:"orders_settled"`
}

// ChannelResult is one channel's outcome within a cycle.
type ChannelResult struct {
	ChannelID     string `json:"channel_id"`
	TxHash        string `json:"tx_hash,omitempty"`
	OrdersSettled int    `json:"orders_settled"`
	Error         string `json:"error,omitempty"`
}

// CycleReport summarizes a settlement cycle.
type CycleReport struct {
	Channels       int             `json:"channels"`
	Settled        int             `json:"settled"`
	Failed         int             `json:"failed"`
	OrdersSettled  int             `json:"orders_settled"`
	OrphanedOrders int             `json:"orphaned_orders"`
	Results        []ChannelResult `json:"results"`
}

// RunCycle settles every channel with MATCHED, unsettled orders. Channels
// settle concurrently and independently: a failing channel is reported and
// retried next cycle, never propagated. The only error returned is a failure
// to list orders.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := time.Now()
	defer func() { metrics.SettlementDuration.Observe(time.Since(start).Seconds()) }()

	orders, err := s.store.ListUnsettledOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: list unsettled orders: %w", err)
	}

	report := &CycleReport{}
	groups := make(map[string][]model.Order)
	var ids []string
	for _, o := range orders {
		if o.ChannelID == "" {
			report.OrphanedOrders++
			slog.Warn("matched order has no channel; cannot settle", "order_id", o.ID, "user", o.UserID)
			continue
		}
		if _, seen := groups[o.ChannelID]; !seen {
			ids = append(ids, o.ChannelID)
		}
		groups[o.ChannelID] = append(groups[o.ChannelID], o)
	}

	report.Channels = len(ids)
	report.Results = make([]ChannelResult, len(ids))

	var g errgroup.Group
	g.SetLimit(s.limit)
	for i, id := range ids {
		g.Go(func() error {
			res := ChannelResult{ChannelID: id}
			st, err := s.SettleChannel(ctx, id, groups[id])
			switch {
			case err == nil:
				res.TxHash = st.Receipt.Hash
				res.OrdersSettled = st.OrdersSettled
			case errors.Is(err, model.ErrNothingToSettle):
			default:
				res.Error = err.Error()
			}
			report.Results[i] = res
			return nil
		})
	}
	g.Wait()

	for _, res := range report.Results {
		switch {
		case res.Error != "":
			report.Failed++
		case res.OrdersSettled > 0:
			report.Settled++
			report.OrdersSettled += res.OrdersSettled
		}
	}

	if report.Channels > 0 || report.OrphanedOrders > 0 {
		slog.Info("settlement cycle finished",
			"channels", report.Channels,
			"settled", report.Settled,
			"failed", report.Failed,
			"orders_settled", report.OrdersSettled,
			"orphaned_orders", report.OrphanedOrders,
			"duration", time.Since(start).String(),
		)
	}
	return report, nil
}

// SettleChannel commits the given orders' net exposure on one channel.
// Calls for the same channel are serialized. Orders settled by an earlier
// call are dropped, so repeating a call returns model.ErrNothingToSettle.
// On failure the orders stay MATCHED and the error wraps
// model.ErrSettlementFailed.
func (s *Scheduler) SettleChannel(ctx context.Context, channelID string, orders []model.Order) (*Settlement, error) {
	unlock := s.locks.Lock(channelID)
	defer unlock()

	var pending []*model.Order
	for _, o := range orders {
		cur, err := s.store.GetOrder(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if cur.Unsettled() && cur.ChannelID == channelID {
			pending = append(pending, cur)
		}
	}
	if len(pending) == 0 {
		metrics.SettlementBatches.WithLabelValues("skipped").Inc()
		return nil, fmt.Errorf("%w: channel %s", model.ErrNothingToSettle, channelID)
	}

	state, err := s.channels.Get(channelID)
	if err != nil {
		metrics.SettlementBatches.WithLabelValues("failed").Inc()
		return nil, err
	}

	exposure, err := s.netExposure(ctx, pending)
	if err != nil {
		return nil, err
	}

	receipt, err := s.submit(ctx, channelID, exposure, state.Nonce)
	if err != nil {
		metrics.SettlementBatches.WithLabelValues("failed").Inc()
		slog.Error("channel settlement failed", "channel_id", channelID, "orders", len(pending), "err", err)
		s.events.Publish(ctx, events.Event{
			Type:      events.SettlementFailed,
			ChannelID: channelID,
			Error:     err.Error(),
			Timestamp: s.now(),
		})
		return nil, fmt.Errorf("%w: channel %s: %w", model.ErrSettlementFailed, channelID, err)
	}

	settled := 0
	now := s.now()
	for _, o := range pending {
		if err := s.markSettled(ctx, o, receipt.Hash, now); err != nil {
			slog.Error("failed to record settlement", "order_id", o.ID, "channel_id", channelID, "tx_hash", receipt.Hash, "err", err)
			continue
		}
		settled++
	}

	metrics.SettlementBatches.WithLabelValues("settled").Inc()
	metrics.OrdersSettled.Add(float64(settled))
	slog.Info("channel settled",
		"channel_id", channelID,
		"tx_hash", receipt.Hash,
		"nonce", state.Nonce,
		"orders", settled,
	)
	s.events.Publish(ctx, events.Event{
		Type:          events.SettlementCompleted,
		ChannelID:     channelID,
		TxHash:        receipt.Hash,
		Nonce:         state.Nonce,
		OrdersSettled: settled,
		Timestamp:     now,
	})

	return &Settlement{ChannelID: channelID, Receipt: receipt, OrdersSettled: settled}, nil
}

func (s *Scheduler) submit(ctx context.Context, channelID string, balances map[string]decimal.Decimal, nonce uint64) (*network.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sub, err := s.adapter.Settle(ctx, channelID, balances, nonce)
	if err != nil {
		return nil, err
	}
	return sub.Wait(ctx)
}

// netExposure sums filled quantities per wallet: buys positive, sells
// negative.
func (s *Scheduler) netExposure(ctx context.Context, orders []*model.Order) (map[string]decimal.Decimal, error) {
	wallets := make(map[string]string)
	exposure := make(map[string]decimal.Decimal)

	for _, o := range orders {
		wallet, ok := wallets[o.UserID]
		if !ok {
			u, err := s.store.GetUser(ctx, o.UserID)
			if err != nil {
				return nil, err
			}
			wallet = u.WalletAddress
			wallets[o.UserID] = wallet
		}

		qty := decimal.NewFromInt(o.FilledQuantity)
		if o.Type == model.OrderSell {
			qty = qty.Neg()
		}
		exposure[wallet] = exposure[wallet].Add(qty)
	}
	return exposure, nil
}

// markSettled walks MATCHED -> SETTLING -> SETTLED and persists the result.
func (s *Scheduler) markSettled(ctx context.Context, o *model.Order, txHash string, now time.Time) error {
	if err := o.Transition(model.OrderSettling, now); err != nil {
		return err
	}
	if err := o.Transition(model.OrderSettled, now); err != nil {
		return err
	}
	o.TxHash = txHash
	t := now
	o.SettledAt = &t
	return s.store.UpdateOrder(ctx, o)
}

// ImmediateResult is the outcome of an on-demand settlement.
type ImmediateResult struct {
	Success       bool   `json:"success"`
	TxHash        string `json:"tx_hash,omitempty"`
	OrdersSettled int    `json:"orders_settled"`
	Message       string `json:"message,omitempty"`
}

// RequestImmediateSettlement settles one channel now instead of waiting for
// the next cycle. A channel with nothing pending reports success=false with
// a message rather than an error.
func (s *Scheduler) RequestImmediateSettlement(ctx context.Context, channelID string) (*ImmediateResult, error) {
	if _, err := s.channels.Get(channelID); err != nil {
		return nil, err
	}

	orders, err := s.store.ListMatchedOrdersByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return &ImmediateResult{Message: "no orders to settle"}, nil
	}

	st, err := s.SettleChannel(ctx, channelID, orders)
	if errors.Is(err, model.ErrNothingToSettle) {
		return &ImmediateResult{Message: "no orders to settle"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ImmediateResult{Success: true, TxHash: st.Receipt.Hash, OrdersSettled: st.OrdersSettled}, nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
