// Package billing centralizes the year/proration math shared by policy
// uploads and truth uploads (spec §4.2, §5), so both code paths apply
// the exact same rounding policy.
package billing

import "time"

// Year is the unit the provider grants per paid year: 52 weeks plus one
// week of grace, so that a client who renews slightly late or whose
// clock drifts a little never finds their storage already expired.
// This is a deliberate, documented fudge factor (spec §9), not a bug.
const Year = 53 * 7 * 24 * time.Hour

// MaxYearsStorage bounds how many years a single payment or a
// zero-cost account may be granted at once.
const MaxYearsStorage = 10

// YearsToPay returns how many additional years must be purchased to
// extend paidUntil to at least desiredUntil, per spec §4.2's rounding
// policy: ceil((desired - paid) / 1 year), never negative.
func YearsToPay(paidUntil, desiredUntil time.Time) int {
	if !desiredUntil.After(paidUntil) {
		return 0
	}
	delta := desiredUntil.Sub(paidUntil)
	years := int(delta / Year)
	if delta%Year != 0 {
		years++
	}
	return years
}

// ClampYears restricts a client-requested storage duration to the
// provider's configured range [1, MaxYearsStorage].
func ClampYears(requested int) int {
	if requested < 1 {
		return 1
	}
	if requested > MaxYearsStorage {
		return MaxYearsStorage
	}
	return requested
}

// Extend adds n years of the provider's grace-padded year to base.
func Extend(base time.Time, n int) time.Time {
	return base.Add(time.Duration(n) * Year)
}
