// Package metrics provides Prometheus instrumentation for the perp engine.
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
	// FillsTotal counts AMM fills, partitioned by taker direction.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_fills_total",
		Help: "Total number of AMM fills executed",
	}, []string{"market", "direction"})

	// OperationLatency tracks how long each serialized market operation
	// holds the market lock.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_operation_latency_seconds",
		Help:    "Market operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OperationErrors counts aborted operations by fault kind.
	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_operation_errors_total",
		Help: "Aborted market operations by fault kind",
	}, []string{"op", "kind"})

	// RepegsTotal counts committed peg changes.
	RepegsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_repegs_total",
		Help: "Committed peg multiplier changes",
	}, []string{"market", "source"})

	// KUpdatesTotal counts committed sqrt_k changes by direction.
	KUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_k_updates_total",
		Help: "Committed sqrt_k changes",
	}, []string{"market", "direction"})

	// FundingUpdatesTotal counts funding periods settled.
	FundingUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_funding_updates_total",
		Help: "Funding rate updates settled",
	}, []string{"market"})

	// SettlementsTotal counts pool settlements.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_settlements_total",
		Help: "Pool balance settlements",
	}, []string{"market"})

	// PegMultiplier tracks the current peg per market.
	PegMultiplier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_peg_multiplier",
		Help: "Current peg multiplier",
	}, []string{"market"})

	// SqrtK tracks current curve depth per market in base units.
	SqrtK = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_sqrt_k",
		Help: "Current sqrt_k in base units",
	}, []string{"market"})

	// Spread tracks the long and short spread per market.
	Spread = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_spread",
		Help: "Current long/short spread as a fraction of price",
	}, []string{"market", "side"})

	// FundingRate tracks the last funding rate per side.
	FundingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_funding_rate",
		Help: "Last funding rate in quote per base",
	}, []string{"market", "side"})

	// FeeMinusDistributions tracks total_fee_minus_distributions in quote.
	FeeMinusDistributions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_total_fee_minus_distributions",
		Help: "Fees earned minus protocol payouts, in quote",
	}, []string{"market"})

	// ActiveMarkets tracks the number of markets served.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_active_markets",
		Help: "Number of perp markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// OILimitRejections counts fills rejected by the open-interest limiter.
	OILimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_oi_limit_rejections_total",
		Help: "Fills rejected by the open interest limiter",
	}, []string{"scope"})

	// TelemetryErrors counts curve records a sink failed to publish.
	TelemetryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_telemetry_errors_total",
		Help: "Telemetry publish failures",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
