package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var MessagesRoutedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailbox",
		Subsystem: "router",
		Name:      "messages_routed_total",
		Help:      "Total number of messages routed, by addressing mode and result.",
	},
	[]string{"mode", "result"},
)

var MessagesRetriedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mailbox",
		Subsystem: "router",
		Name:      "messages_retried_total",
		Help:      "Total number of delivery retries performed by the router.",
	},
)

var MessagesExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mailbox",
		Subsystem: "router",
		Name:      "messages_expired_total",
		Help:      "Total number of messages that expired before or during delivery.",
	},
)

var DeliveryLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "mailbox",
		Subsystem: "router",
		Name:      "delivery_latency_seconds",
		Help:      "End-to-end routing latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"mode"},
)

var CircuitBreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "mailbox",
		Subsystem: "resilience",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open), by breaker name.",
	},
	[]string{"breaker"},
)

var FallbackQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "mailbox",
		Subsystem: "resilience",
		Name:      "fallback_queue_depth",
		Help:      "Current depth of the local fallback queue.",
	},
)

var BroadcastSubscribersReached = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "mailbox",
		Subsystem: "delivery",
		Name:      "broadcast_subscribers_reached",
		Help:      "Number of subscribers reached per real-time broadcast.",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	},
)

var HandlerErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailbox",
		Subsystem: "delivery",
		Name:      "handler_errors_total",
		Help:      "Total number of subscriber handler errors, by agent.",
	},
	[]string{"agent"},
)

// All returns every mailbox-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		MessagesRoutedTotal,
		MessagesRetriedTotal,
		MessagesExpiredTotal,
		DeliveryLatency,
		CircuitBreakerState,
		FallbackQueueDepth,
		BroadcastSubscribersReached,
		HandlerErrorsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus every mailbox-specific collector.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
