package entitlement

import (
	"context"
	"time"
)

// Store defines the interface for account entitlement persistence.
//
// The extension operations are required to be atomic with respect to
// concurrent callers: two simultaneous ExtendPremium calls for the same
// account must both take effect (the second extending from the result of the
// first), never lost to a read-then-write race. SQL backends express this as
// a single update statement computing the new expiration server-side;
// REST backends use a compare-and-swap retry loop.
type Store interface {
	// GetEntitlement retrieves the current entitlement for an account.
	// Returns ErrAccountNotFound when no profile exists.
	GetEntitlement(ctx context.Context, accountID string) (*Entitlement, error)

	// ExtendPremium atomically moves the account to the pro tier and pushes
	// the premium expiration forward by the given number of calendar months,
	// measured from the later of now and the stored expiration. A lapsed or
	// absent expiration restarts from now. Lifetime accounts are left
	// untouched. Only plan_type and premium_expires_at are written; other
	// profile columns (trial_used included) are never modified.
	// Returns the entitlement as stored after the update.
	ExtendPremium(ctx context.Context, accountID string, months int, now time.Time) (*Entitlement, error)

	// GrantLifetime atomically sets the lifetime tier. The expiration column
	// is left as-is; lifetime access never consults it.
	GrantLifetime(ctx context.Context, accountID string) (*Entitlement, error)
}

// Ledger records processed webhook event ids so that redelivered events are
// acknowledged without re-applying their grant.
type Ledger interface {
	// MarkProcessed records the event id. Returns false when the id was
	// already recorded (the event must not be applied again). The record
	// should outlive the processor's redelivery window; ttl of zero means
	// keep forever.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// Release removes a previously recorded event id. Called when the grant
	// reserved under the id failed to persist, so that the processor's
	// redelivery of the same event is processed rather than dropped.
	Release(ctx context.Context, eventID string) error
}
