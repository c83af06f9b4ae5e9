// Package metrics provides Prometheus metrics for the trading bot: order
// flow, protection lifecycle, model usage and system health, exposed on the
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bot.
type Metrics struct {
	// Trading metrics
	OrdersTotal      prometheus.Counter // Orders submitted to the venue
	OrderErrors      prometheus.Counter // Order submissions rejected or failed
	ActiveGroups     prometheus.Gauge   // Protection groups currently tracked
	StopReplacements prometheus.Counter // Trailing stop replacements committed
	OCOResolved      *prometheus.CounterVec // Resolved groups, labeled by outcome
	GroupsExpired    prometheus.Counter // Groups dropped by TTL sweep
	OrphansCancelled prometheus.Counter // Reduce-only orders cancelled with no position

	// Model and data metrics
	AIRequests       prometheus.Counter   // Signal requests sent to the model
	AIFallbacks      prometheus.Counter   // Cycles that fell back to HOLD
	AnalysisDuration prometheus.Histogram // End-to-end decision cycle duration
	BarsReceived     prometheus.Counter   // Candles consumed from the stream
	WSReconnects     prometheus.Counter   // Market stream reconnections

	// System metrics
	StoreErrors prometheus.Counter // Persistence failures (degraded mode)
	ErrorsTotal prometheus.Counter // All errors encountered
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OrdersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Orders submitted to the venue",
		}),
		OrderErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "order_errors_total",
			Help: "Order submissions rejected or failed",
		}),
		ActiveGroups: factory.NewGauge(prometheus.GaugeOpts{
			Name: "protection_groups_active",
			Help: "Protection groups currently tracked",
		}),
		StopReplacements: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailing_stop_replacements_total",
			Help: "Trailing stop replacements committed",
		}),
		OCOResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oco_resolved_total",
			Help: "Protection groups resolved, labeled by outcome",
		}, []string{"outcome"}),
		GroupsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_groups_expired_total",
			Help: "Protection groups dropped by the TTL sweep",
		}),
		OrphansCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "orphan_orders_cancelled_total",
			Help: "Reduce-only orders cancelled while the position was flat",
		}),
		AIRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Signal requests sent to the model",
		}),
		AIFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "ai_fallbacks_total",
			Help: "Decision cycles that fell back to the HOLD signal",
		}),
		AnalysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "analysis_duration_seconds",
			Help:    "End-to-end decision cycle duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		BarsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "bars_received_total",
			Help: "Candles consumed from the market stream",
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Market stream reconnections",
		}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Persistence failures while the bot kept running in memory",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
