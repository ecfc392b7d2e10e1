// Package metrics exposes Prometheus instrumentation for the breaker,
// broker and registry components. It is ambient observability, not a
// runtime dependency of any component — every component works with a
// nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns every Prometheus collector this module registers.
type Metrics struct {
	BreakerState      *prometheus.GaugeVec
	BreakerCalls      *prometheus.CounterVec
	BreakerRejections *prometheus.CounterVec

	QueueDepth       *prometheus.GaugeVec
	QueuePendingAck  *prometheus.GaugeVec
	MessagesPublished *prometheus.CounterVec
	MessagesDeadLettered *prometheus.CounterVec

	ServiceInstances *prometheus.GaugeVec
	RouteSelections  *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
}

// New creates and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshcore",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current circuit breaker phase (0=closed,1=open,2=half_open).",
		}, []string{"name"}),
		BreakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshcore",
			Subsystem: "breaker",
			Name:      "calls_total",
			Help:      "Total calls admitted through a breaker, by outcome.",
		}, []string{"name", "outcome"}),
		BreakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshcore",
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls rejected at admission, by cause.",
		}, []string{"name", "cause"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshcore",
			Subsystem: "broker",
			Name:      "queue_depth",
			Help:      "Current number of messages queued, excluding pending-ack.",
		}, []string{"queue"}),
		QueuePendingAck: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshcore",
			Subsystem: "broker",
			Name:      "queue_pending_ack",
			Help:      "Current number of delivered-but-unacked messages.",
		}, []string{"queue"}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshcore",
			Subsystem: "broker",
			Name:      "messages_published_total",
			Help:      "Total messages published, by queue.",
		}, []string{"queue"}),
		MessagesDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshcore",
			Subsystem: "broker",
			Name:      "messages_dead_lettered_total",
			Help:      "Total messages routed to a DLQ, by original queue.",
		}, []string{"queue"}),
		ServiceInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshcore",
			Subsystem: "registry",
			Name:      "instances",
			Help:      "Current registered instance count, by service name and status.",
		}, []string{"service", "status"}),
		RouteSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshcore",
			Subsystem: "registry",
			Name:      "route_selections_total",
			Help:      "Total instance selections, by service and strategy.",
		}, []string{"service", "strategy"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshcore",
			Subsystem: "registry",
			Name:      "rate_limit_rejections_total",
			Help:      "Total requests rejected by the rate limiter, by key.",
		}, []string{"key"}),
	}

	reg.MustRegister(
		m.BreakerState, m.BreakerCalls, m.BreakerRejections,
		m.QueueDepth, m.QueuePendingAck, m.MessagesPublished, m.MessagesDeadLettered,
		m.ServiceInstances, m.RouteSelections, m.RateLimitRejections,
	)
	return m
}
