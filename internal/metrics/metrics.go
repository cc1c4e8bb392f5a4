// Package metrics provides Prometheus instrumentation for the fCash engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades by currency and side (lend/borrow).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_trades_total",
		Help: "Total number of fCash trades executed",
	}, []string{"currency", "side"})

	// TradeVolume accumulates traded fCash notional in whole units.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_trade_volume_total",
		Help: "Cumulative traded fCash notional",
	}, []string{"currency", "side"})

	// LiquidityOps counts liquidity additions and removals.
	LiquidityOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_liquidity_ops_total",
		Help: "Liquidity token mints and redemptions",
	}, []string{"currency", "op"})

	// SettlementsTotal counts accounts settled.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fcash_settlements_total",
		Help: "Accounts settled",
	})

	// LiquidationsTotal counts local currency liquidations.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_liquidations_total",
		Help: "Local currency liquidations executed",
	}, []string{"currency"})

	// OperationLatency observes engine mutation latency including commit.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fcash_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// RejectedOps counts failed mutations by error code.
	RejectedOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_rejected_ops_total",
		Help: "Engine operations rejected, by error code",
	}, []string{"op", "code"})

	// ActiveMarkets tracks listed markets per currency.
	ActiveMarkets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fcash_active_markets",
		Help: "Number of markets listed per currency",
	}, []string{"currency"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fcash_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts events handed to each publisher.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_events_published_total",
		Help: "Events published, by sink and outcome",
	}, []string{"sink", "outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fcash_http_request_duration_seconds",
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

		// Route patterns keep label cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
