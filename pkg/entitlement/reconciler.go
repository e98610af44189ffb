package entitlement

import (
	"context"
	"fmt"
	"time"
)

const defaultLedgerTTL = 30 * 24 * time.Hour

// Outcome classifies what a reconciliation did.
type Outcome string

const (
	// OutcomeApplied means the grant was computed and persisted.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkippedStatus means the payment status does not warrant a grant.
	OutcomeSkippedStatus Outcome = "skipped_status"
	// OutcomeDuplicate means the event id was already processed.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result describes the effect of one reconciliation.
type Result struct {
	Outcome Outcome

	// Grant is the derived grant. Zero value unless Outcome is applied.
	Grant Grant

	// Entitlement is the stored state after the update. Nil unless applied.
	Entitlement *Entitlement
}

// ReconcilerConfig configures a Reconciler. Store is required; everything
// else defaults.
type ReconcilerConfig struct {
	// Store is the account entitlement store.
	Store Store

	// Ledger deduplicates event ids across redeliveries. When nil, no
	// deduplication happens and a redelivered approved payment extends the
	// entitlement again.
	Ledger Ledger

	// LedgerTTL is how long processed event ids are remembered
	// (default: 30 days, comfortably past any redelivery window).
	LedgerTTL time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks reconciliation operations (default: NoopMetrics).
	Metrics Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Reconciler turns verified payments into entitlement state. It holds no
// per-request state and is safe for concurrent use; atomicity across
// concurrent grants for the same account is delegated to the Store.
type Reconciler struct {
	store     Store
	ledger    Ledger
	ledgerTTL time.Duration
	logger    Logger
	metrics   Metrics
	now       func() time.Time
}

// NewReconciler creates a Reconciler from the given config.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LedgerTTL <= 0 {
		cfg.LedgerTTL = defaultLedgerTTL
	}

	return &Reconciler{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		ledgerTTL: cfg.LedgerTTL,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}, nil
}

// Apply reconciles one verified payment into account entitlement state.
//
// Non-approved statuses are acknowledged without effect. An approved payment
// without an external reference is a hard error: there is nothing to link it
// to. The event id is reserved in the ledger before the store is touched and
// released again if the update fails, so the processor's redelivery stays
// effective without ever double-applying a completed grant.
func (r *Reconciler) Apply(ctx context.Context, p *Payment) (*Result, error) {
	if p.EventID == "" {
		return nil, ErrMissingEventID
	}

	if !p.Approved() {
		r.logger.Debug("payment not approved, skipping",
			Field{Key: "event_id", Value: p.EventID},
			Field{Key: "status", Value: p.Status})
		return &Result{Outcome: OutcomeSkippedStatus}, nil
	}

	if p.ExternalReference == "" {
		return nil, ErrMissingExternalReference
	}

	if r.ledger != nil {
		fresh, err := r.ledger.MarkProcessed(ctx, p.EventID, r.ledgerTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to check event ledger: %w", err)
		}
		if !fresh {
			r.metrics.RecordDuplicateEvent()
			r.logger.Info("duplicate event, skipping",
				Field{Key: "event_id", Value: p.EventID},
				Field{Key: "account_id", Value: p.ExternalReference})
			return &Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	grant := GrantForPayment(p.Amount, p.Description)

	ent, err := r.applyGrant(ctx, p.ExternalReference, grant)
	if err != nil {
		r.releaseReservation(ctx, p.EventID)
		return nil, err
	}

	r.metrics.RecordGrant(string(grant.Tier), grant.Months)
	r.logger.Info("entitlement updated",
		Field{Key: "event_id", Value: p.EventID},
		Field{Key: "account_id", Value: p.ExternalReference},
		Field{Key: "tier", Value: ent.Tier},
		Field{Key: "months_added", Value: grant.Months},
		Field{Key: "expires_at", Value: ent.PremiumExpiresAt})

	return &Result{Outcome: OutcomeApplied, Grant: grant, Entitlement: ent}, nil
}

func (r *Reconciler) applyGrant(ctx context.Context, accountID string, grant Grant) (*Entitlement, error) {
	if grant.Tier == TierLifetime {
		ent, err := r.store.GrantLifetime(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to grant lifetime: %w", err)
		}
		return ent, nil
	}

	ent, err := r.store.ExtendPremium(ctx, accountID, grant.Months, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to extend premium: %w", err)
	}
	return ent, nil
}

// releaseReservation undoes a ledger reservation after a failed store update
// so the processor's redelivery is not dropped. A failed release only costs
// one redelivered grant's worth of retries, so the error is logged, not
// propagated.
func (r *Reconciler) releaseReservation(ctx context.Context, eventID string) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.Release(ctx, eventID); err != nil {
		r.logger.Error("failed to release event reservation",
			Field{Key: "event_id", Value: eventID},
			Field{Key: "error", Value: err.Error()})
	}
}
