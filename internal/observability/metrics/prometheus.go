// Package metrics provides Prometheus metrics for the stock engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	MovementsAppended     prometheus.Counter
	BatchesRejected       prometheus.Counter
	SyncAdjustments       prometheus.Counter
	WorkflowTransitions   *prometheus.CounterVec
	TransitionDuration    prometheus.Histogram
	OrdersDelivered       prometheus.Counter
	DistributionsComplete prometheus.Counter
	PrescriptionsPrepared prometheus.Counter
	OutboxPending         prometheus.Gauge
	EventsPublished       prometheus.Counter
	EventsConsumed        prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		MovementsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_movements_appended_total",
			Help: "Total ledger movements appended",
		}),
		BatchesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_batches_rejected_total",
			Help: "Total ledger batches rejected for insufficient stock",
		}),
		SyncAdjustments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_sync_adjustments_total",
			Help: "Total adjustments appended by reconciliation",
		}),
		WorkflowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Workflow transitions by entity and target status",
		}, []string{"entity", "status"}),
		TransitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workflow_transition_duration_seconds",
			Help:    "Stock-mutating transition duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		OrdersDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_delivered_total",
			Help: "Total supplier orders delivered",
		}),
		DistributionsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distributions_completed_total",
			Help: "Total distributions marked distributed",
		}),
		PrescriptionsPrepared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_prepared_total",
			Help: "Total prescriptions marked prepared",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_events_published_total",
			Help: "Total events published to the broker",
		}),
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_events_consumed_total",
			Help: "Total events consumed from the broker",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.MovementsAppended,
		m.BatchesRejected,
		m.SyncAdjustments,
		m.WorkflowTransitions,
		m.TransitionDuration,
		m.OrdersDelivered,
		m.DistributionsComplete,
		m.PrescriptionsPrepared,
		m.OutboxPending,
		m.EventsPublished,
		m.EventsConsumed,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
