// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FeedReportsTotal counts feed submissions by outcome: "accepted" or a
	// rejection reason.
	FeedReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeperp_feed_reports_total",
		Help: "Feed report submissions by outcome",
	}, []string{"outcome"})

	// BreakerActive is 1 while the feed circuit breaker is tripped.
	BreakerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifeperp_feed_breaker_active",
		Help: "Whether the feed circuit breaker is currently active",
	})

	// BreakerTripsTotal counts breaker trips.
	BreakerTripsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lifeperp_feed_breaker_trips_total",
		Help: "Total circuit breaker trips",
	})

	// PositionsOpen tracks the number of currently open positions.
	PositionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifeperp_positions_open",
		Help: "Number of currently open positions",
	})

	// PositionsTotal counts position lifecycle transitions by kind:
	// "opened", "closed", "liquidated".
	PositionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeperp_positions_total",
		Help: "Position lifecycle transitions",
	}, []string{"kind"})

	// FundingSettlementsTotal counts positions settled per funding sweep.
	FundingSettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lifeperp_funding_settlements_total",
		Help: "Total position-level funding settlements applied",
	})

	// LiquidationsTotal counts forced closes.
	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lifeperp_liquidations_total",
		Help: "Total positions liquidated",
	})

	// WebSocketClients tracks connected WebSocket subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifeperp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeperp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lifeperp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
