package api_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/estateshare/trade-engine/internal/api"
	"github.com/estateshare/trade-engine/internal/channel"
	"github.com/estateshare/trade-engine/internal/model"
	"github.com/estateshare/trade-engine/internal/network"
	"github.com/estateshare/trade-engine/internal/settlement"
	"github.com/estateshare/trade-engine/internal/store"
	"github.com/estateshare/trade-engine/internal/trade"
)

type testEnv struct {
	router chi.Router
	sim    *network.Simulated
}

func newTestEnv(t *testing.T, policy trade.Policy) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	reg := channel.NewRegistry(decimal.NewFromInt(10000))
	sim := network.NewSimulated()
	engine := trade.NewEngine(ms, reg, sim, nil)
	svc := trade.NewService(ms, engine, trade.Config{Policy: policy}, nil)
	sched := settlement.NewScheduler(ms, reg, sim, settlement.Config{}, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewHandler(svc, engine, sched).Routes)
	return &testEnv{router: r, sim: sim}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func (e *testEnv) seedUser(t *testing.T, wallet string) model.User {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/users", map[string]string{"wallet_address": wallet})
	expectStatus(t, w, http.StatusCreated)
	return decode[model.User](t, w)
}

func (e *testEnv) seedProperty(t *testing.T, shares int64) model.Property {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/properties", map[string]any{
		"name":             "Maple Court",
		"total_shares":     shares,
		"price_per_share":  "10",
		"contract_address": "0xmaple",
	})
	expectStatus(t, w, http.StatusCreated)
	return decode[model.Property](t, w)
}

type orderResponse struct {
	Order      model.Order `json:"order"`
	Executions []struct {
		Position     model.Position      `json:"position"`
		RealizedGain decimal.Decimal     `json:"realized_gain"`
		Channel      *model.ChannelState `json:"channel"`
		ChannelError string              `json:"channel_error"`
	} `json:"executions"`
}

func (e *testEnv) placeOrder(t *testing.T, userID, propertyID, typ string, qty int64, price string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/orders", map[string]any{
		"user_id":     userID,
		"property_id": propertyID,
		"type":        typ,
		"quantity":    qty,
		"price":       price,
	})
}

func TestOrderLifecycle(t *testing.T) {
	env := newTestEnv(t, trade.PolicyPrimaryPool)
	alice := env.seedUser(t, "0xalice")
	prop := env.seedProperty(t, 100)

	w := env.placeOrder(t, alice.ID, prop.ID, "buy", 10, "10")
	expectStatus(t, w, http.StatusCreated)
	res := decode[orderResponse](t, w)
	if res.Order.Status != model.OrderMatched || res.Order.ChannelID == "" {
		t.Fatalf("expected matched order on a channel, got %+v", res.Order)
	}
	if len(res.Executions) != 1 || res.Executions[0].Channel == nil || res.Executions[0].Channel.Nonce != 1 {
		t.Fatalf("unexpected executions: %+v", res.Executions)
	}
	channelID := res.Order.ChannelID

	w = env.placeOrder(t, alice.ID, prop.ID, "SELL", 4, "15")
	expectStatus(t, w, http.StatusCreated)
	sell := decode[orderResponse](t, w)
	if !sell.Executions[0].RealizedGain.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected realized gain 20, got %s", sell.Executions[0].RealizedGain)
	}

	w = env.do(t, "GET", "/api/v1/orders/"+res.Order.ID, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[model.Order](t, w); got.ID != res.Order.ID {
		t.Errorf("expected order %s, got %s", res.Order.ID, got.ID)
	}

	w = env.do(t, "GET", "/api/v1/channels/"+channelID, nil)
	expectStatus(t, w, http.StatusOK)
	ch := decode[model.ChannelState](t, w)
	if ch.Nonce != 2 || !ch.Balances["0xalice"].Equal(decimal.NewFromInt(9994)) {
		t.Errorf("unexpected channel state: %+v", ch)
	}

	w = env.do(t, "GET", "/api/v1/portfolio/"+alice.ID, nil)
	expectStatus(t, w, http.StatusOK)
	pf := decode[model.Portfolio](t, w)
	if pf.TotalProperties != 1 || !pf.RealizedGains.Equal(decimal.NewFromInt(20)) {
		t.Errorf("unexpected portfolio: %+v", pf)
	}

	w = env.do(t, "GET", "/api/v1/users/"+alice.ID+"/orders", nil)
	expectStatus(t, w, http.StatusOK)
	if orders := decode[[]model.Order](t, w); len(orders) != 2 || orders[0].Type != model.OrderSell {
		t.Errorf("expected 2 orders newest first, got %+v", orders)
	}

	w = env.do(t, "POST", "/api/v1/settlement/channels/"+channelID, nil)
	expectStatus(t, w, http.StatusOK)
	imm := decode[settlement.ImmediateResult](t, w)
	if !imm.Success || imm.OrdersSettled != 2 || imm.TxHash == "" {
		t.Errorf("unexpected settlement: %+v", imm)
	}

	w = env.do(t, "POST", "/api/v1/settlement/channels/"+channelID, nil)
	expectStatus(t, w, http.StatusOK)
	if again := decode[settlement.ImmediateResult](t, w); again.Success || again.Message == "" {
		t.Errorf("expected no-op, got %+v", again)
	}

	w = env.do(t, "GET", "/api/v1/orders/"+res.Order.ID, nil)
	if got := decode[model.Order](t, w); got.Status != model.OrderSettled || got.TxHash != imm.TxHash {
		t.Errorf("expected settled with %s, got %s/%s", imm.TxHash, got.Status, got.TxHash)
	}
}

func TestCreateOrder_Rejections(t *testing.T) {
	env := newTestEnv(t, trade.PolicyPrimaryPool)
	alice := env.seedUser(t, "0xalice")
	prop := env.seedProperty(t, 5)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"user_id":`, http.StatusBadRequest},
		{"missing user", map[string]any{"property_id": prop.ID, "type": "buy", "quantity": 1, "price": "10"}, http.StatusBadRequest},
		{"bad type", map[string]any{"user_id": alice.ID, "property_id": prop.ID, "type": "hold", "quantity": 1, "price": "10"}, http.StatusBadRequest},
		{"zero quantity", map[string]any{"user_id": alice.ID, "property_id": prop.ID, "type": "buy", "quantity": 0, "price": "10"}, http.StatusBadRequest},
		{"zero price", map[string]any{"user_id": alice.ID, "property_id": prop.ID, "type": "buy", "quantity": 1, "price": "0"}, http.StatusBadRequest},
		{"unknown user", map[string]any{"user_id": "nobody", "property_id": prop.ID, "type": "buy", "quantity": 1, "price": "10"}, http.StatusNotFound},
		{"unknown property", map[string]any{"user_id": alice.ID, "property_id": "nowhere", "type": "buy", "quantity": 1, "price": "10"}, http.StatusNotFound},
		{"more than available", map[string]any{"user_id": alice.ID, "property_id": prop.ID, "type": "buy", "quantity": 6, "price": "10"}, http.StatusConflict},
		{"sell without shares", map[string]any{"user_id": alice.ID, "property_id": prop.ID, "type": "sell", "quantity": 1, "price": "10"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/orders", tt.body)
			expectStatus(t, w, tt.want)
			if body := decode[map[string]string](t, w); body["error"] == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestCreateOrder_ChannelFailureStillCreated(t *testing.T) {
	env := newTestEnv(t, trade.PolicyPrimaryPool)
	alice := env.seedUser(t, "0xalice")
	prop := env.seedProperty(t, 100)
	env.sim.FailOpen(errors.New("node unreachable"))

	w := env.placeOrder(t, alice.ID, prop.ID, "buy", 3, "10")
	expectStatus(t, w, http.StatusCreated)
	res := decode[orderResponse](t, w)
	if res.Order.Status != model.OrderMatched || res.Order.ChannelID != "" {
		t.Errorf("expected matched order without channel, got %+v", res.Order)
	}
	if res.Executions[0].ChannelError == "" {
		t.Error("expected channel_error in response")
	}
	if res.Executions[0].Position.Shares != 3 {
		t.Errorf("ledger must be applied, got %d shares", res.Executions[0].Position.Shares)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t, trade.PolicyCounterOrder)
	alice := env.seedUser(t, "0xalice")
	bob := env.seedUser(t, "0xbob")
	prop := env.seedProperty(t, 100)

	w := env.placeOrder(t, alice.ID, prop.ID, "buy", 5, "10")
	expectStatus(t, w, http.StatusCreated)
	pending := decode[orderResponse](t, w).Order
	if pending.Status != model.OrderPending {
		t.Fatalf("expected pending without a counter order, got %s", pending.Status)
	}

	path := "/api/v1/orders/" + pending.ID + "/cancel"
	expectStatus(t, env.do(t, "POST", path, map[string]string{"user_id": bob.ID}), http.StatusConflict)
	expectStatus(t, env.do(t, "POST", path, map[string]string{}), http.StatusBadRequest)

	w = env.do(t, "POST", path, map[string]string{"user_id": alice.ID})
	expectStatus(t, w, http.StatusOK)
	if got := decode[model.Order](t, w); got.Status != model.OrderCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}

	expectStatus(t, env.do(t, "POST", path, map[string]string{"user_id": alice.ID}), http.StatusConflict)
	expectStatus(t, env.do(t, "POST", "/api/v1/orders/missing/cancel", map[string]string{"user_id": alice.ID}), http.StatusNotFound)
}

func TestCollaborators(t *testing.T) {
	env := newTestEnv(t, trade.PolicyPrimaryPool)
	env.seedUser(t, "0xalice")

	expectStatus(t, env.do(t, "POST", "/api/v1/users", map[string]string{"wallet_address": "0xalice"}), http.StatusConflict)
	expectStatus(t, env.do(t, "POST", "/api/v1/users", map[string]string{}), http.StatusBadRequest)
	expectStatus(t, env.do(t, "POST", "/api/v1/properties", map[string]any{
		"name": "Empty", "total_shares": 10, "price_per_share": "-1", "contract_address": "0x1",
	}), http.StatusBadRequest)

	expectStatus(t, env.do(t, "GET", "/api/v1/users/nobody/orders", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, "GET", "/api/v1/properties/nowhere/orders", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, "GET", "/api/v1/portfolio/nobody", nil), http.StatusNotFound)

	prop := env.seedProperty(t, 10)
	w := env.do(t, "GET", "/api/v1/properties/"+prop.ID+"/orders", nil)
	expectStatus(t, w, http.StatusOK)
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("expected empty list, got %q", body)
	}
}

func TestChannelsAndSettlement(t *testing.T) {
	env := newTestEnv(t, trade.PolicyPrimaryPool)
	alice := env.seedUser(t, "0xalice")
	prop := env.seedProperty(t, 100)

	expectStatus(t, env.do(t, "GET", "/api/v1/channels/missing", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, "POST", "/api/v1/channels/missing/close", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, "POST", "/api/v1/settlement/channels/missing", nil), http.StatusNotFound)

	w := env.placeOrder(t, alice.ID, prop.ID, "buy", 2, "10")
	expectStatus(t, w, http.StatusCreated)
	channelID := decode[orderResponse](t, w).Order.ChannelID

	env.sim.FailSettle(channelID, errors.New("rejected"))
	expectStatus(t, env.do(t, "POST", "/api/v1/settlement/channels/"+channelID, nil), http.StatusBadGateway)

	w = env.do(t, "POST", "/api/v1/settlement/run", nil)
	expectStatus(t, w, http.StatusOK)
	if report := decode[settlement.CycleReport](t, w); report.Failed != 1 {
		t.Errorf("expected one failed channel, got %+v", report)
	}

	env.sim.FailSettle(channelID, nil)
	w = env.do(t, "POST", "/api/v1/settlement/run", nil)
	expectStatus(t, w, http.StatusOK)
	if report := decode[settlement.CycleReport](t, w); report.Settled != 1 || report.OrdersSettled != 1 {
		t.Errorf("expected one settled channel, got %+v", report)
	}

	w = env.do(t, "POST", "/api/v1/channels/"+channelID+"/close", nil)
	expectStatus(t, w, http.StatusOK)
	if closure := decode[model.Closure](t, w); closure.ChannelID != channelID || closure.Nonce != 1 {
		t.Errorf("unexpected closure: %+v", closure)
	}
	expectStatus(t, env.do(t, "POST", "/api/v1/channels/"+channelID+"/close", nil), http.StatusConflict)
}
