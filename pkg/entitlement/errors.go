package entitlement

import "errors"

var (
	// ErrAccountNotFound is returned when no profile exists for an account id.
	ErrAccountNotFound = errors.New("account not found")

	// ErrMissingExternalReference is returned when an approved payment carries
	// no external reference linking it to an account.
	ErrMissingExternalReference = errors.New("payment has no external reference")

	// ErrMissingEventID is returned when a payment carries no event id.
	ErrMissingEventID = errors.New("payment has no event id")

	// ErrStoreUnavailable is returned when the account store cannot be reached.
	ErrStoreUnavailable = errors.New("account store unavailable")
)
