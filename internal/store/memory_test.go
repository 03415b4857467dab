package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/estateshare/trade-engine/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateUser(ctx, &model.User{ID: "u1", WalletAddress: "0xaaa", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateProperty(ctx, &model.Property{
		ID: "p1", Name: "Elm St", TotalShares: 100, AvailableShares: 100,
		PricePerShare: decimal.NewFromInt(10), ContractAddress: "0xprop", Status: model.PropertyActive,
		CreatedAt: t0,
	}); err != nil {
		t.Fatal(err)
	}
	return s
}

func order(id string, typ model.OrderType, price int64, created time.Time) *model.Order {
	return &model.Order{
		ID: id, UserID: "u1", PropertyID: "p1", Type: typ, Status: model.OrderPending,
		Quantity: 5, Price: decimal.NewFromInt(price), CreatedAt: created, UpdatedAt: created,
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		p, err := tx.GetProperty(ctx, "p1")
		if err != nil {
			return err
		}
		p.AvailableShares = 40
		if err := tx.UpdateProperty(ctx, p); err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, order("o1", model.OrderBuy, 10, t0)); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, &model.Position{ID: "pos1", UserID: "u1", PropertyID: "p1", Shares: 60}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	p, _ := s.GetProperty(ctx, "p1")
	if p.AvailableShares != 100 {
		t.Errorf("property not rolled back: available=%d", p.AvailableShares)
	}
	if _, err := s.GetOrder(ctx, "o1"); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("order should not exist after rollback, got %v", err)
	}
	if _, err := s.GetPosition(ctx, "u1", "p1"); !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("position should not exist after rollback, got %v", err)
	}
}

func TestWithTx_Commit(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateOrder(ctx, order("o1", model.OrderBuy, 10, t0))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.GetOrder(ctx, "o1"); err != nil {
		t.Errorf("expected committed order, got %v", err)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	p, _ := s.GetProperty(ctx, "p1")
	p.AvailableShares = 1

	again, _ := s.GetProperty(ctx, "p1")
	if again.AvailableShares != 100 {
		t.Errorf("mutating a read leaked into the store: %d", again.AvailableShares)
	}
}

func TestCreateUser_DuplicateWallet(t *testing.T) {
	s := seed(t)
	err := s.CreateUser(context.Background(), &model.User{ID: "u2", WalletAddress: "0xaaa"})
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestFindCounterOrder_EarliestCompatible(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	for _, o := range []*model.Order{
		order("s-late", model.OrderSell, 9, t0.Add(2*time.Minute)),
		order("s-early", model.OrderSell, 10, t0.Add(time.Minute)),
		order("s-pricey", model.OrderSell, 12, t0),
	} {
		if err := s.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	buy := order("b1", model.OrderBuy, 10, t0.Add(3*time.Minute))
	got, err := s.FindCounterOrder(ctx, buy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "s-early" {
		t.Errorf("expected s-early, got %s", got.ID)
	}

	buy.Price = decimal.NewFromInt(5)
	if _, err := s.FindCounterOrder(ctx, buy); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("expected no counter order, got %v", err)
	}
}

func TestOrderQueries(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	pending := order("pending", model.OrderBuy, 10, t0)
	expires := t0.Add(time.Hour)
	pending.ExpiresAt = &expires

	matched := order("matched", model.OrderBuy, 10, t0.Add(time.Minute))
	matched.Status = model.OrderMatched
	matched.ChannelID = "ch1"

	orphan := order("orphan", model.OrderSell, 10, t0.Add(2*time.Minute))
	orphan.Status = model.OrderMatched

	settled := order("settled", model.OrderBuy, 10, t0.Add(3*time.Minute))
	settled.Status = model.OrderSettled
	settled.ChannelID = "ch1"
	settledAt := t0.Add(4 * time.Minute)
	settled.SettledAt = &settledAt

	for _, o := range []*model.Order{pending, matched, orphan, settled} {
		if err := s.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	unsettled, _ := s.ListUnsettledOrders(ctx)
	if len(unsettled) != 2 || unsettled[0].ID != "matched" || unsettled[1].ID != "orphan" {
		t.Errorf("unexpected unsettled orders: %+v", ids(unsettled))
	}

	byChannel, _ := s.ListMatchedOrdersByChannel(ctx, "ch1")
	if len(byChannel) != 1 || byChannel[0].ID != "matched" {
		t.Errorf("unexpected channel orders: %+v", ids(byChannel))
	}

	if expired, _ := s.ListExpiredOrders(ctx, t0.Add(30*time.Minute)); len(expired) != 0 {
		t.Errorf("nothing should be expired yet, got %v", ids(expired))
	}
	if expired, _ := s.ListExpiredOrders(ctx, t0.Add(time.Hour)); len(expired) != 1 || expired[0].ID != "pending" {
		t.Errorf("expected pending to expire, got %v", ids(expired))
	}

	byUser, _ := s.ListOrdersByUser(ctx, "u1")
	if len(byUser) != 4 || byUser[0].ID != "settled" {
		t.Errorf("expected newest first, got %v", ids(byUser))
	}
}

func ids(orders []model.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}
