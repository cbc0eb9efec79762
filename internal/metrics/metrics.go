// Package metrics registers the engine's Prometheus collectors. Collectors
// are package-level so any component can update them without plumbing a
// registry through constructors; the API server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BusPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_bus_published_total",
			Help: "Events published on the bus, by event type.",
		},
		[]string{"type"},
	)

	BusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_bus_dropped_total",
			Help: "Events dropped on full subscriber buffers, by event type.",
		},
		[]string{"type"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradeflow_breaker_state",
			Help: "Circuit breaker state per resource: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"name"},
	)

	SignalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_signals_total",
			Help: "Signals emitted by strategies, by strategy and action.",
		},
		[]string{"strategy", "action"},
	)

	OrdersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeflow_orders_created_total",
			Help: "Orders that passed the converter and reached the bus.",
		},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_orders_rejected_total",
			Help: "Orders rejected, by pipeline stage.",
		},
		[]string{"stage"},
	)

	Fills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeflow_fills_total",
			Help: "Order fills executed.",
		},
	)

	ExecutionVolume = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeflow_execution_volume_total",
			Help: "Cumulative filled notional in dollars.",
		},
	)

	PendingOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeflow_pending_orders",
			Help: "Orders currently awaiting a fill.",
		},
	)

	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeflow_audit_dropped_total",
			Help: "Audit entries dropped because the write queue was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BusPublished,
		BusDropped,
		BreakerState,
		SignalsEmitted,
		OrdersCreated,
		OrdersRejected,
		Fills,
		ExecutionVolume,
		PendingOrders,
		AuditDropped,
	)
}
