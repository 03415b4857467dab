// Package api exposes the trade engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/estateshare/trade-engine/internal/model"
	"github.com/estateshare/trade-engine/internal/network"
	"github.com/estateshare/trade-engine/internal/settlement"
	"github.com/estateshare/trade-engine/internal/trade"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	svc      *trade.Service
	engine   *trade.Engine
	sched    *settlement.Scheduler
	validate *validator.Validate
}

// NewHandler creates the API handler.
func NewHandler(svc *trade.Service, engine *trade.Engine, sched *settlement.Scheduler) *Handler {
	return &Handler{
		svc:      svc,
		engine:   engine,
		sched:    sched,
		validate: validator.New(),
	}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/users", h.CreateUser)
	r.Get("/users/{userID}/orders", h.ListUserOrders)
	r.Post("/properties", h.CreateProperty)
	r.Get("/properties/{propertyID}/orders", h.ListPropertyOrders)

	r.Post("/orders", h.CreateOrder)
	r.Get("/orders/{orderID}", h.GetOrder)
	r.Post("/orders/{orderID}/cancel", h.CancelOrder)

	r.Get("/portfolio/{userID}", h.GetPortfolio)

	r.Get("/channels/{channelID}", h.GetChannel)
	r.Post("/channels/{channelID}/close", h.CloseChannel)

	r.Post("/settlement/channels/{channelID}", h.SettleChannel)
	r.Post("/settlement/run", h.RunSettlement)
}

// --- Request types ---

// CreateUserRequest is the body of POST /users.
type CreateUserRequest struct {
	WalletAddress string `json:"wallet_address" validate:"required"`
}

// CreatePropertyRequest is the body of POST /properties.
type CreatePropertyRequest struct {
	Name            string          `json:"name" validate:"required"`
	TotalShares     int64           `json:"total_shares" validate:"gt=0"`
	PricePerShare   decimal.Decimal `json:"price_per_share"`
	ContractAddress string          `json:"contract_address" validate:"required"`
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	UserID     string          `json:"user_id" validate:"required"`
	PropertyID string          `json:"property_id" validate:"required"`
	Type       string          `json:"type" validate:"required,oneof=buy sell BUY SELL"`
	Quantity   int64           `json:"quantity" validate:"gt=0"`
	Price      decimal.Decimal `json:"price"`
}

// CancelOrderRequest is the body of POST /orders/{orderID}/cancel.
type CancelOrderRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// executionView adds the channel failure, which the engine keeps out of
// JSON, as a plain message.
type executionView struct {
	*trade.Execution
	ChannelError string `json:"channel_error,omitempty"`
}

type orderResponse struct {
	Order      *model.Order    `json:"order"`
	Executions []executionView `json:"executions"`
}

// --- Collaborator records ---

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.svc.CreateUser(r.Context(), req.WalletAddress)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// CreateProperty handles POST /api/v1/properties
func (h *Handler) CreateProperty(w http.ResponseWriter, r *http.Request) {
	var req CreatePropertyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.PricePerShare.IsPositive() {
		writeError(w, "price_per_share must be positive", http.StatusBadRequest)
		return
	}
	p, err := h.svc.CreateProperty(r.Context(), trade.PropertyInput{
		Name:            req.Name,
		TotalShares:     req.TotalShares,
		PricePerShare:   req.PricePerShare,
		ContractAddress: req.ContractAddress,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// --- Orders ---

// CreateOrder handles POST /api/v1/orders
// Places the order, matches it under the configured policy and returns every
// execution it triggered.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	res, err := h.svc.CreateOrder(r.Context(), trade.OrderInput{
		UserID:     req.UserID,
		PropertyID: req.PropertyID,
		Type:       model.OrderType(strings.ToLower(req.Type)),
		Quantity:   req.Quantity,
		Price:      req.Price,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := orderResponse{Order: res.Order, Executions: make([]executionView, 0, len(res.Executions))}
	for _, exec := range res.Executions {
		v := executionView{Execution: exec}
		if exec.ChannelErr != nil {
			v.ChannelError = exec.ChannelErr.Error()
		}
		resp.Executions = append(resp.Executions, v)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.svc.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListUserOrders handles GET /api/v1/users/{userID}/orders
func (h *Handler) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.ListUserOrders(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListPropertyOrders handles GET /api/v1/properties/{propertyID}/orders
func (h *Handler) ListPropertyOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.ListPropertyOrders(r.Context(), chi.URLParam(r, "propertyID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPortfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Channels and settlement ---

// GetChannel handles GET /api/v1/channels/{channelID}
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.Channel(chi.URLParam(r, "channelID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// CloseChannel handles POST /api/v1/channels/{channelID}/close
func (h *Handler) CloseChannel(w http.ResponseWriter, r *http.Request) {
	closure, err := h.engine.CloseChannel(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closure)
}

// SettleChannel handles POST /api/v1/settlement/channels/{channelID}
// Settles one channel now instead of waiting for the next cycle.
func (h *Handler) SettleChannel(w http.ResponseWriter, r *http.Request) {
	res, err := h.sched.RequestImmediateSettlement(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RunSettlement handles POST /api/v1/settlement/run
func (h *Handler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	report, err := h.sched.RunCycle(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return "invalid field " + fe.Field() + ": failed " + fe.Tag()
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInvalidStateTransition),
		errors.Is(err, model.ErrPropertyNotTradable),
		errors.Is(err, model.ErrChannelNotOpen),
		errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, network.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrSettlementFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
