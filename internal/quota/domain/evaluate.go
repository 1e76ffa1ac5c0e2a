package domain

import "time"

type Decision struct {
	Active bool
	Reason string
}

// Evaluate decides whether a subscription may stay active. It is pure: a nil
// quota means unlimited and a nil expiry never expires.
func Evaluate(consumed uint64, quota *uint64, expiryAt *time.Time, now time.Time) Decision {
	if quota != nil && consumed >= *quota {
		return Decision{Active: false, Reason: ReasonQuotaExhausted}
	}
	if expiryAt != nil && !expiryAt.After(now) {
		return Decision{Active: false, Reason: ReasonExpired}
	}
	return Decision{Active: true}
}
