package entitlement

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Price points configured on the processor side. The amount thresholds double
// as a safety net when the description text varies, so the two signals are
// always checked together. Ordering is significant: first match wins.
var (
	amountLifetime = decimal.NewFromInt(600)
	amountYear     = decimal.NewFromInt(90)
	amountHalfYear = decimal.NewFromInt(45)
	amountQuarter  = decimal.NewFromInt(25)
)

// Description markers carried over from the live price catalog. Matching is
// case-insensitive substring containment.
var (
	markersLifetime = []string{"vitalício", "lifetime"}
	markersYear     = []string{"1 ano", "12 meses"}
	markersHalfYear = []string{"6 meses"}
	markersQuarter  = []string{"3 meses"}
)

// GrantForPayment maps a payment amount and description to an entitlement
// grant. Thresholds are inclusive on the lower bound of each tier; anything
// below the smallest threshold still grants one month of pro.
//
// Repricing is a change to this function only; nothing else in the codebase
// encodes price points.
func GrantForPayment(amount decimal.Decimal, description string) Grant {
	desc := strings.ToLower(description)

	switch {
	case amount.GreaterThanOrEqual(amountLifetime) || containsAny(desc, markersLifetime):
		return Grant{Tier: TierLifetime}
	case amount.GreaterThanOrEqual(amountYear) || containsAny(desc, markersYear):
		return Grant{Tier: TierPro, Months: 12}
	case amount.GreaterThanOrEqual(amountHalfYear) || containsAny(desc, markersHalfYear):
		return Grant{Tier: TierPro, Months: 6}
	case amount.GreaterThanOrEqual(amountQuarter) || containsAny(desc, markersQuarter):
		return Grant{Tier: TierPro, Months: 3}
	default:
		return Grant{Tier: TierPro, Months: 1}
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
