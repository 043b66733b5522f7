package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const subsystem = "billing"

// Metrics implements subsync.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	reconcileTotal            *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
	notificationsTotal        *prometheus.CounterVec
	circuitBreakerState       *prometheus.GaugeVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_events_total",
			Help:      "Total number of webhook deliveries by event type and final state.",
		}, []string{"event_type", "state"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"error_type"}),

		reconcileTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_total",
			Help:      "Total number of reconciled events by kind and result.",
		}, []string{"kind", "result"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_calls_total",
			Help:      "Total number of API calls to the billing provider.",
		}, []string{"endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to the billing provider in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_total",
			Help:      "Total number of notification attempts by kind and status.",
		}, []string{"kind", "status"}),

		circuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "storage_circuit_breaker_state",
			Help:      "Storage circuit breaker state (1 for the current state).",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordWebhook(eventType, state string) {
	m.webhookEventsTotal.WithLabelValues(eventType, state).Inc()
}

func (m *Metrics) RecordWebhookDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordReconcile(kind subsync.EventKind, result string) {
	m.reconcileTotal.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) RecordAPICall(endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordNotification(kind, status string) {
	m.notificationsTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	for _, s := range []subsync.CircuitBreakerState{subsync.StateClosed, subsync.StateOpen, subsync.StateHalfOpen} {
		v := 0.0
		if string(s) == state {
			v = 1
		}
		m.circuitBreakerState.WithLabelValues(string(s)).Set(v)
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) subsync.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
