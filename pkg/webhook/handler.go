// Package webhook implements the inbound notification endpoint called by the
// payment processor. The receiver only extracts and classifies the event
// envelope; everything authoritative (amount, status, account linkage) comes
// from a side-channel API lookup, and the entitlement change itself is
// delegated to the reconciler.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/entitlementd/pkg/entitlement"
	"github.com/mihaimyh/entitlementd/pkg/webhook/internal"
)

const defaultMaxBodyBytes = 256 * 1024

// Event types the receiver recognizes. Subscription events are acknowledged
// without effect: recurring purchases do not grant tiers automatically.
const (
	eventTypePayment      = "payment"
	eventTypeSubscription = "subscription"
	eventTypePreapproval  = "subscription_preapproval"
)

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// Receiver handles inbound webhook notifications.
type Receiver struct {
	payments     PaymentLookup
	reconciler   *entitlement.Reconciler
	logger       entitlement.Logger
	metrics      entitlement.Metrics
	maxBodyBytes int64
}

// NewReceiver creates a webhook Receiver from the given config.
func NewReceiver(cfg Config) (*Receiver, error) {
	if cfg.Payments == nil {
		return nil, fmt.Errorf("payments client is required")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &entitlement.NoopMetrics{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	return &Receiver{
		payments:     cfg.Payments,
		reconciler:   cfg.Reconciler,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		maxBodyBytes: cfg.MaxBodyBytes,
	}, nil
}

// Handler returns the HTTP handler that processes processor notifications.
func (rc *Receiver) Handler() http.Handler {
	return http.HandlerFunc(rc.handleWebhook)
}

// envelope is the notification body. The processor sends the event type under
// either "type" or "topic" and the id nested under "data".
type envelope struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

// flexID accepts both string and numeric JSON ids.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexID(n.String())
		return nil
	}
	return fmt.Errorf("unsupported id type")
}

func (rc *Receiver) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		rc.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
		return
	}

	body, err := internal.ReadBody(w, r, rc.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			rc.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Payload too large"})
			rc.metrics.RecordWebhookError("payload_too_large")
		} else {
			rc.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid payload"})
			rc.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	eventType, eventID, err := rc.extractEvent(body, r)
	if err != nil {
		rc.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid payload"})
		rc.metrics.RecordWebhookError("invalid_payload")
		return
	}

	rc.logger.Info("webhook received",
		entitlement.Field{Key: "event_type", Value: eventType},
		entitlement.Field{Key: "event_id", Value: eventID})

	if eventType == "" || eventID == "" {
		rc.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing type or id"})
		rc.metrics.RecordWebhookError("missing_fields")
		return
	}

	switch eventType {
	case eventTypePayment:
		rc.processPayment(w, r, eventType, eventID, startTime)
	case eventTypeSubscription, eventTypePreapproval:
		// Recurring purchases never grant tiers automatically. Acknowledge so
		// the processor stops redelivering.
		rc.logger.Debug("subscription event acknowledged without effect",
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "event_id", Value: eventID})
		rc.writeJSON(w, http.StatusOK, messageResponse{Message: "Event ignored"})
		rc.metrics.RecordWebhookEvent(eventType, "ignored")
		rc.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
	default:
		rc.writeJSON(w, http.StatusOK, messageResponse{Message: "Event ignored"})
		rc.metrics.RecordWebhookEvent(eventType, "ignored")
		rc.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
	}
}

// extractEvent pulls the event type and id out of the notification, checking
// structured body fields first and query parameters second. Query delivery is
// the processor's legacy redirect-style ingress and must resolve to the same
// downstream handling.
func (rc *Receiver) extractEvent(body []byte, r *http.Request) (eventType, eventID string, err error) {
	var env envelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			return "", "", fmt.Errorf("failed to parse body: %w", err)
		}
	}

	query := r.URL.Query()

	eventType = firstNonEmpty(env.Type, env.Topic, query.Get("type"), query.Get("topic"))
	eventID = firstNonEmpty(string(env.Data.ID), query.Get("data.id"), query.Get("id"))
	return eventType, eventID, nil
}

func (rc *Receiver) processPayment(
	w http.ResponseWriter, r *http.Request, eventType, eventID string, startTime time.Time,
) {
	ctx := r.Context()

	payment, err := rc.payments.GetPayment(ctx, eventID)
	if err != nil {
		rc.logger.Error("payment lookup failed",
			entitlement.Field{Key: "event_id", Value: eventID},
			entitlement.Field{Key: "error", Value: err.Error()})
		rc.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to fetch payment"})
		rc.metrics.RecordWebhookEvent(eventType, "error")
		rc.metrics.RecordWebhookError("lookup_failed")
		rc.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
		return
	}

	result, err := rc.reconciler.Apply(ctx, payment)
	if err != nil {
		rc.logger.Error("reconciliation failed",
			entitlement.Field{Key: "event_id", Value: eventID},
			entitlement.Field{Key: "account_id", Value: payment.ExternalReference},
			entitlement.Field{Key: "error", Value: err.Error()})

		if errors.Is(err, entitlement.ErrMissingExternalReference) {
			rc.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No external_reference found"})
			rc.metrics.RecordWebhookError("missing_external_reference")
		} else {
			// Storage and upstream failures surface as 500 so the processor
			// redelivers; retry is delegated entirely to its backoff.
			rc.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			rc.metrics.RecordWebhookError("processing_error")
		}
		rc.metrics.RecordWebhookEvent(eventType, "error")
		rc.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
		return
	}

	rc.writeJSON(w, http.StatusOK, successResponse{Success: true})
	rc.metrics.RecordWebhookEvent(eventType, string(result.Outcome))
	rc.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
}

func (rc *Receiver) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	if err := internal.WriteJSON(w, code, data); err != nil {
		rc.logger.Error("failed to write response",
			entitlement.Field{Key: "error", Value: err.Error()})
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
