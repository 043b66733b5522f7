package subsync

import "time"

// Metrics defines the interface for tracking webhook reconciliation.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// RecordWebhook records a delivery and the final state it reached
	// (e.g. "responded", "rejected_signature", "reconcile_failed").
	RecordWebhook(eventType, state string)

	// RecordWebhookDuration records how long a delivery took end to end.
	RecordWebhookDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook failure by class
	// (e.g. "invalid_signature", "malformed_event", "payload_too_large").
	RecordWebhookError(errorType string)

	// RecordReconcile records the outcome of applying an event.
	// result: "applied", "stale", "noop", "fatal" or "recoverable"
	RecordReconcile(kind EventKind, result string)

	// RecordAPICall records a call to the billing provider API.
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long a provider API call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)

	// RecordNotification records a notification attempt.
	// kind: "success" or "failure"; status: "sent", "duplicate", "error" or "timeout"
	RecordNotification(kind, status string)

	// RecordCircuitBreakerStateChange records a storage circuit breaker transition.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhook(_, _ string)                       {}
func (n *NoopMetrics) RecordWebhookDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                     {}
func (n *NoopMetrics) RecordReconcile(_ EventKind, _ string)           {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                       {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordNotification(_, _ string)                  {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)        {}
