// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts order lifecycle events by type (buy/sell) and
	// outcome (created, matched, cancelled, expired, rejected).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateshare_orders_total",
		Help: "Order lifecycle events",
	}, []string{"type", "event"})

	// ExecutionLatency tracks ledger execution latency per order type.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estateshare_execution_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// SharesTraded tracks cumulative filled shares per property.
	SharesTraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateshare_shares_traded_total",
		Help: "Cumulative filled shares",
	}, []string{"property_id", "type"})

	// ChannelUpdates counts channel state updates by result (ok, failed).
	ChannelUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateshare_channel_updates_total",
		Help: "Payment channel state updates",
	}, []string{"result"})

	// OpenChannels tracks the number of open payment channels.
	OpenChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "estateshare_open_channels",
		Help: "Number of currently open payment channels",
	})

	// SettlementBatches counts per-channel settlement attempts by result
	// (settled, failed, skipped).
	SettlementBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateshare_settlement_batches_total",
		Help: "Per-channel settlement batches",
	}, []string{"result"})

	// OrdersSettled counts orders moved to SETTLED.
	OrdersSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estateshare_orders_settled_total",
		Help: "Orders settled on the network",
	})

	// SettlementDuration tracks full settlement cycle duration.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "estateshare_settlement_cycle_seconds",
		Help:    "Settlement cycle duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "estateshare_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts domain events by sink and result.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateshare_events_published_total",
		Help: "Domain events published",
	}, []string{"sink", "result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateshare_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estateshare_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
