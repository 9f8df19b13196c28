// Package status decides whether an account may perform check-in mutations.
package status

import "postpart-sync/internal/models"

// Reasons shown to a blocked user.
const (
	ReasonInactive  = "Your account is inactive. Please contact your organisation administrator."
	ReasonSuspended = "Your account is suspended. Please contact support."
	ReasonUnknown   = "Account status unknown."
)

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Status  models.ProfileStatus
	Reason  string
}

// Authorize allows only active profiles. It has no side effects.
func Authorize(p *models.Profile) Decision {
	st := models.StatusOf(p)
	switch st {
	case models.StatusActive:
		return Decision{Allowed: true, Status: st}
	case models.StatusInactive:
		return Decision{Status: st, Reason: ReasonInactive}
	case models.StatusSuspended:
		return Decision{Status: st, Reason: ReasonSuspended}
	default:
		return Decision{Status: st, Reason: ReasonUnknown}
	}
}

// BecameActive reports a transition from absent or inactive to active. A
// suspended account being reinstated is also a transition into active.
func BecameActive(prev, next *models.Profile) bool {
	return !prev.IsActive() && next.IsActive()
}
