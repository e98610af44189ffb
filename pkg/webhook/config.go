package webhook

import (
	"context"

	"github.com/mihaimyh/entitlementd/pkg/entitlement"
)

// PaymentLookup fetches authoritative payment detail from the processor.
// Implemented by mercadopago.Client; mockable for tests.
type PaymentLookup interface {
	GetPayment(ctx context.Context, eventID string) (*entitlement.Payment, error)
}

// Config defines the configuration for a webhook Receiver.
type Config struct {
	// Payments is the processor API client used for side-channel
	// confirmation of inbound events. Required.
	Payments PaymentLookup

	// Reconciler applies verified payments to account state. Required.
	Reconciler *entitlement.Reconciler

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger

	// Metrics tracks webhook operations (default: NoopMetrics).
	Metrics entitlement.Metrics

	// MaxBodyBytes caps the inbound payload size (default: 256 KiB).
	MaxBodyBytes int64
}
