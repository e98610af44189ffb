package entitlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanTier identifies the feature tier an account is entitled to.
type PlanTier string

const (
	// TierFree is the default tier for accounts without a purchase.
	TierFree PlanTier = "free"
	// TierPro is the time-limited paid tier.
	TierPro PlanTier = "pro"
	// TierLifetime is the permanent paid tier. Once set it is never downgraded.
	TierLifetime PlanTier = "lifetime"
)

// Entitlement is the stored plan state for one account.
type Entitlement struct {
	// AccountID is the primary key into the account store.
	AccountID string

	// Tier is the current plan tier.
	Tier PlanTier

	// PremiumExpiresAt is when pro access lapses. Nil for free accounts and
	// irrelevant for lifetime accounts.
	PremiumExpiresAt *time.Time

	// TrialUsed records whether the one-time trial offer was consumed.
	// Reconciliation reads it for reporting but never writes it.
	TrialUsed bool

	UpdatedAt time.Time
}

// Active reports whether the entitlement currently grants paid access.
func (e *Entitlement) Active(now time.Time) bool {
	switch e.Tier {
	case TierLifetime:
		return true
	case TierPro:
		return e.PremiumExpiresAt != nil && e.PremiumExpiresAt.After(now)
	default:
		return false
	}
}

// Payment is the verified payment detail fetched from the processor API.
// It is observed transiently and never persisted; only its effect is durable.
type Payment struct {
	// EventID is the processor's unique identifier for the payment.
	EventID string

	// ExternalReference is the caller-supplied token linking the payment back
	// to an account id. Its absence on an approved payment is a hard error.
	ExternalReference string

	// Status is the processor-reported lifecycle state. Only "approved" and
	// "authorized" trigger entitlement changes.
	Status string

	// Amount is the transaction amount in the configured currency.
	Amount decimal.Decimal

	// Description is the free-text purchase description.
	Description string
}

// Approved reports whether the payment status warrants an entitlement grant.
func (p *Payment) Approved() bool {
	return p.Status == "approved" || p.Status == "authorized"
}

// Grant is the entitlement change derived from a payment.
type Grant struct {
	Tier PlanTier

	// Months is the number of calendar months of pro access to add.
	// Zero for lifetime grants.
	Months int
}
