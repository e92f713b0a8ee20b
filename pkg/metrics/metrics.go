package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Publish pipeline metrics
	PublishesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_publishes_total",
			Help: "Total number of publish calls",
		},
	)

	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rejections_total",
			Help: "Total number of rejections by reason",
		},
		[]string{"reason"},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_publish_duration_seconds",
			Help:    "Publish pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Delivery metrics
	DeliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of messages delivered to handlers",
		},
	)

	HandlerFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_handler_failures_total",
			Help: "Total number of handler invocations that failed",
		},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dead_letters_total",
			Help: "Total number of envelopes moved to failed/",
		},
	)

	// Reliability metrics
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_state",
			Help: "Circuit state per endpoint (0 = closed, 1 = half open, 2 = open)",
		},
		[]string{"endpoint_hash"},
	)

	MailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_mailbox_depth",
			Help: "Pending mailbox depth per endpoint",
		},
		[]string{"endpoint_hash"},
	)

	// Adapter metrics
	AdapterDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_adapter_deliveries_total",
			Help: "Total number of adapter deliveries by adapter and outcome",
		},
		[]string{"adapter", "outcome"},
	)

	AdapterDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_adapter_delivery_duration_seconds",
			Help:    "Adapter delivery duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter"},
	)

	// Endpoint metrics
	EndpointsRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_endpoints_registered",
			Help: "Number of registered endpoints",
		},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_subscriptions_active",
			Help: "Number of active subscriptions",
		},
	)
)

func init() {
	prometheus.MustRegister(PublishesTotal)
	prometheus.MustRegister(RejectionsTotal)
	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(HandlerFailuresTotal)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(MailboxDepth)
	prometheus.MustRegister(AdapterDeliveriesTotal)
	prometheus.MustRegister(AdapterDeliveryDuration)
	prometheus.MustRegister(EndpointsRegistered)
	prometheus.MustRegister(SubscriptionsActive)
}

// Handler returns the HTTP handler serving the default registry.
// Durations are timed at the call sites with prometheus.NewTimer; this
// package only declares the relay's collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}
