// Package metrics provides Prometheus instrumentation for the market engine.
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
	// PollsTotal counts price batches by outcome ("ok" or "error").
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_price_polls_total",
		Help: "Total batched price requests by outcome",
	}, []string{"outcome"})

	// PollLatency tracks batched price request latency.
	PollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockwise_price_poll_latency_seconds",
		Help:    "Batched price request latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PollTriggersCoalesced counts refresh triggers folded into a pending batch.
	PollTriggersCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockwise_price_poll_triggers_coalesced_total",
		Help: "Refresh triggers coalesced while a batch was in flight",
	})

	// SnapshotSymbols is the number of symbols priced by the last batch.
	SnapshotSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockwise_snapshot_symbols",
		Help: "Symbols priced in the most recent batch",
	})

	// TradeAttempts counts trade attempts by side and final state.
	TradeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_trade_attempts_total",
		Help: "Trade attempts by side and outcome",
	}, []string{"side", "outcome"})

	// TradeLatency tracks execution endpoint latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockwise_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// LedgerReloads counts portfolio reloads by outcome.
	LedgerReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_ledger_reloads_total",
		Help: "Portfolio ledger reloads by outcome",
	}, []string{"outcome"})

	// SellAlerts counts Sell signals raised for tracked symbols.
	SellAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockwise_sell_alerts_total",
		Help: "Sell recommendations raised for watched or held symbols",
	})

	// ActiveSessions tracks live per-user dashboards.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockwise_active_sessions",
		Help: "Number of running user sessions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockwise_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockwise_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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
