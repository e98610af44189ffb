package entitlement

import "time"

// Metrics defines the interface for tracking webhook and reconciliation
// operations. All methods are optional - components should gracefully handle
// nil metrics by substituting NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the processor.
	// eventType: the inbound type (e.g. "payment", "subscription")
	// status: "success", "ignored" or "error"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took end to end.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "missing_fields", "lookup_failed", "store_failed"
	RecordWebhookError(errorType string)

	// RecordGrant records an applied entitlement grant.
	RecordGrant(tier string, months int)

	// RecordDuplicateEvent records an event id rejected by the ledger.
	RecordDuplicateEvent()

	// RecordAPICall records an outbound call to the payment processor API.
	// status: HTTP status code as string, or "error" for transport failures
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long an outbound API call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordGrant(_ string, _ int)                               {}
func (n *NoopMetrics) RecordDuplicateEvent()                                     {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration)           {}
