package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/estateshare/trade-engine/internal/channel"
	"github.com/estateshare/trade-engine/internal/model"
	"github.com/estateshare/trade-engine/internal/network"
	"github.com/estateshare/trade-engine/internal/settlement"
	"github.com/estateshare/trade-engine/internal/store"
	"github.com/estateshare/trade-engine/internal/trade"
)

// recordingAdapter captures the balances submitted for settlement.
type recordingAdapter struct {
	*network.Simulated
	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal
}

func (r *recordingAdapter) Settle(ctx context.Context, id string, b map[string]decimal.Decimal, nonce uint64) (*network.Submission, error) {
	r.mu.Lock()
	r.balances[id] = b
	r.mu.Unlock()
	return r.Simulated.Settle(ctx, id, b, nonce)
}

// stalledAdapter accepts settlements that never confirm.
type stalledAdapter struct {
	*network.Simulated
}

func (stalledAdapter) Settle(_ context.Context, _ string, _ map[string]decimal.Decimal, _ uint64) (*network.Submission, error) {
	return network.NewSubmission("0xstalled", func(ctx context.Context) (*network.Receipt, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), nil
}

type testEnv struct {
	svc     *trade.Service
	store   *store.MemoryStore
	sim     *network.Simulated
	adapter *recordingAdapter
	reg     *channel.Registry
	sched   *settlement.Scheduler
	prop    *model.Property
	users   map[string]*model.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sim := network.NewSimulated()
	env := &testEnv{
		store:   store.NewMemoryStore(),
		sim:     sim,
		adapter: &recordingAdapter{Simulated: sim, balances: make(map[string]map[string]decimal.Decimal)},
		reg:     channel.NewRegistry(decimal.NewFromInt(10000)),
		users:   make(map[string]*model.User),
	}
	engine := trade.NewEngine(env.store, env.reg, env.adapter, nil)
	env.svc = trade.NewService(env.store, engine, trade.Config{Policy: trade.PolicyPrimaryPool}, nil)
	env.sched = settlement.NewScheduler(env.store, env.reg, env.adapter, settlement.Config{Timeout: time.Second, Concurrency: 2}, nil)

	prop, err := env.svc.CreateProperty(context.Background(), trade.PropertyInput{
		Name: "Harbor View", TotalShares: 1000, PricePerShare: decimal.NewFromInt(10), ContractAddress: "0xharbor",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.prop = prop
	return env
}

func (e *testEnv) trade(t *testing.T, wallet string, typ model.OrderType, qty int64) *model.Order {
	t.Helper()
	u, ok := e.users[wallet]
	if !ok {
		u = e.user(t, wallet)
	}
	return e.tradeAs(t, u, typ, qty)
}

func (e *testEnv) tradeAs(t *testing.T, u *model.User, typ model.OrderType, qty int64) *model.Order {
	t.Helper()
	res, err := e.svc.CreateOrder(context.Background(), trade.OrderInput{
		UserID: u.ID, PropertyID: e.prop.ID, Type: typ, Quantity: qty, Price: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return res.Order
}

func (e *testEnv) user(t *testing.T, wallet string) *model.User {
	t.Helper()
	u, err := e.svc.CreateUser(context.Background(), wallet)
	if err != nil {
		t.Fatal(err)
	}
	e.users[wallet] = u
	return u
}

func (e *testEnv) status(t *testing.T, id string) *model.Order {
	t.Helper()
	o, err := e.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestRunCycle_OneChannelFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "0xalice")
	bob := env.user(t, "0xbob")

	a1 := env.tradeAs(t, alice, model.OrderBuy, 5)
	a2 := env.tradeAs(t, alice, model.OrderBuy, 3)
	b1 := env.tradeAs(t, bob, model.OrderBuy, 7)
	if a1.ChannelID == b1.ChannelID {
		t.Fatal("expected separate channels per investor")
	}

	env.sim.FailSettle(b1.ChannelID, errors.New("node rejected batch"))
	report, err := env.sched.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle must not fail: %v", err)
	}
	if report.Channels != 2 || report.Settled != 1 || report.Failed != 1 || report.OrdersSettled != 2 {
		t.Errorf("unexpected report: %+v", report)
	}

	for _, id := range []string{a1.ID, a2.ID} {
		o := env.status(t, id)
		if o.Status != model.OrderSettled || o.TxHash == "" || o.SettledAt == nil {
			t.Errorf("expected %s settled, got %s", id, o.Status)
		}
	}
	if o := env.status(t, b1.ID); o.Status != model.OrderMatched || o.SettledAt != nil {
		t.Errorf("failed channel must leave order matched, got %s", o.Status)
	}

	// Next cycle retries only the failed channel.
	env.sim.FailSettle(b1.ChannelID, nil)
	report, err = env.sched.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Channels != 1 || report.Settled != 1 || report.OrdersSettled != 1 {
		t.Errorf("unexpected retry report: %+v", report)
	}
	if o := env.status(t, b1.ID); o.Status != model.OrderSettled {
		t.Errorf("expected retry to settle, got %s", o.Status)
	}
}

func TestSettleChannel_SecondCallIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.trade(t, "0xalice", model.OrderBuy, 4)

	orders, _ := env.store.ListMatchedOrdersByChannel(ctx, o.ChannelID)
	first, err := env.sched.SettleChannel(ctx, o.ChannelID, orders)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if first.OrdersSettled != 1 || first.Receipt.Hash == "" {
		t.Errorf("unexpected settlement: %+v", first)
	}

	_, err = env.sched.SettleChannel(ctx, o.ChannelID, orders)
	if !errors.Is(err, model.ErrNothingToSettle) {
		t.Fatalf("expected ErrNothingToSettle, got %v", err)
	}
	if got := env.status(t, o.ID); got.TxHash != first.Receipt.Hash {
		t.Errorf("second call must not re-stamp, got %s want %s", got.TxHash, first.Receipt.Hash)
	}
}

func TestSettleChannel_ConcurrentCallsSettleOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.trade(t, "0xalice", model.OrderBuy, 4)
	orders, _ := env.store.ListMatchedOrdersByChannel(ctx, o.ChannelID)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	settled, noops := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.sched.SettleChannel(ctx, o.ChannelID, orders)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				settled++
			case errors.Is(err, model.ErrNothingToSettle):
				noops++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if settled != 1 || noops != n-1 {
		t.Errorf("expected 1 settlement and %d no-ops, got %d/%d", n-1, settled, noops)
	}
}

func TestSettleChannel_NetExposurePerWallet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.trade(t, "0xalice", model.OrderBuy, 10)
	o := env.trade(t, "0xalice", model.OrderSell, 4)

	orders, _ := env.store.ListMatchedOrdersByChannel(ctx, o.ChannelID)
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders on channel, got %d", len(orders))
	}
	if _, err := env.sched.SettleChannel(ctx, o.ChannelID, orders); err != nil {
		t.Fatal(err)
	}

	got := env.adapter.balances[o.ChannelID]
	if !got["0xalice"].Equal(decimal.NewFromInt(6)) {
		t.Errorf("expected net exposure 6, got %v", got)
	}
}

func TestSettleChannel_TimeoutLeavesOrdersMatched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.trade(t, "0xalice", model.OrderBuy, 2)

	sched := settlement.NewScheduler(env.store, env.reg, stalledAdapter{env.sim},
		settlement.Config{Timeout: 20 * time.Millisecond}, nil)
	orders, _ := env.store.ListMatchedOrdersByChannel(ctx, o.ChannelID)

	_, err := sched.SettleChannel(ctx, o.ChannelID, orders)
	if !errors.Is(err, model.ErrSettlementFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected settlement failure from timeout, got %v", err)
	}
	if got := env.status(t, o.ID); got.Status != model.OrderMatched {
		t.Errorf("expected matched after timeout, got %s", got.Status)
	}
}

func TestSettleChannel_UnknownChannel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.trade(t, "0xalice", model.OrderBuy, 2)

	// A registry that never saw the channel.
	sched := settlement.NewScheduler(env.store, channel.NewRegistry(decimal.Zero), env.adapter, settlement.Config{}, nil)
	orders, _ := env.store.ListMatchedOrdersByChannel(ctx, o.ChannelID)
	if _, err := sched.SettleChannel(ctx, o.ChannelID, orders); !errors.Is(err, model.ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestRunCycle_SkipsOrdersWithoutChannel(t *testing.T) {
	env := newTestEnv(t)
	env.sim.FailOpen(errors.New("node down"))
	o := env.trade(t, "0xalice", model.OrderBuy, 2)
	if o.ChannelID != "" {
		t.Fatal("expected order without channel")
	}

	report, err := env.sched.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.OrphanedOrders != 1 || report.Channels != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	if got := env.status(t, o.ID); got.Status != model.OrderMatched {
		t.Errorf("orphaned order must stay matched, got %s", got.Status)
	}
}

func TestRequestImmediateSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.trade(t, "0xalice", model.OrderBuy, 3)
	env.trade(t, "0xalice", model.OrderBuy, 2)

	res, err := env.sched.RequestImmediateSettlement(ctx, o.ChannelID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.OrdersSettled != 2 || res.TxHash == "" {
		t.Errorf("unexpected result: %+v", res)
	}

	res, err = env.sched.RequestImmediateSettlement(ctx, o.ChannelID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Message != "no orders to settle" {
		t.Errorf("expected no-op result, got %+v", res)
	}

	if _, err := env.sched.RequestImmediateSettlement(ctx, "missing"); !errors.Is(err, model.ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestRequestImmediateSettlement_Failure(t *testing.T) {
	env := newTestEnv(t)
	o := env.trade(t, "0xalice", model.OrderBuy, 3)
	env.sim.FailSettle(o.ChannelID, errors.New("rejected"))

	_, err := env.sched.RequestImmediateSettlement(context.Background(), o.ChannelID)
	if !errors.Is(err, model.ErrSettlementFailed) {
		t.Fatalf("expected ErrSettlementFailed, got %v", err)
	}
}

func TestJobs_Add(t *testing.T) {
	jobs := settlement.NewJobs(context.Background())
	if err := jobs.Add("settlement", "@hourly", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := jobs.Add("bad", "not a schedule", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected invalid spec error")
	}
	if jobs.Len() != 1 {
		t.Errorf("expected 1 job, got %d", jobs.Len())
	}
}

func TestJobs_RunsOnSchedule(t *testing.T) {
	jobs := settlement.NewJobs(context.Background())
	ran := make(chan struct{}, 1)
	if err := jobs.Add("tick", "@every 1s", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	jobs.Start()
	defer jobs.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}
