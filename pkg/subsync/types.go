package subsync

import (
	"fmt"
)

// Subscription statuses that the reconciler treats specially.
const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusCanceled          = "canceled"
	StatusIncompleteExpired = "incomplete_expired"
)

// UserRef identifies a local user account mapped to a billing provider customer.
type UserRef struct {
	// ID is the local user identifier
	ID string

	// CustomerID is the billing provider's customer identifier
	CustomerID string

	// Email is used for notifications (may be empty)
	Email string
}

// Subscription is the local mirror of a user's subscription at the billing provider.
// There is at most one Subscription per UserID.
type Subscription struct {
	// ID is the provider-assigned subscription identifier
	ID string

	// UserID is the owning local user (unique)
	UserID string

	// CustomerID is the provider customer the subscription belongs to
	CustomerID string

	// PlanID identifies the purchased plan tier
	PlanID string

	// PriceID identifies the specific price/interval purchased
	PriceID string

	// Interval is the billing cadence (e.g. "month", "year")
	Interval string

	// Status is the provider-reported lifecycle status (e.g. "active", "past_due")
	Status string

	// CurrentPeriodStart and CurrentPeriodEnd bound the current billing cycle (Unix seconds)
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64

	// CancelAtPeriodEnd is true when the subscription will not auto-renew
	CancelAtPeriodEnd bool
}

// Validate checks that the subscription can be persisted: it must be owned by a user,
// carry a provider ID, and have either all of its plan/price/period fields or none.
func (s *Subscription) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil subscription", ErrIncompleteSubscription)
	}
	if s.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrIncompleteSubscription)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: subscription id is required", ErrIncompleteSubscription)
	}

	set := 0
	for _, present := range []bool{
		s.PlanID != "",
		s.PriceID != "",
		s.Interval != "",
		s.CurrentPeriodStart != 0,
		s.CurrentPeriodEnd != 0,
	} {
		if present {
			set++
		}
	}
	if set != 0 && set != 5 {
		return fmt.Errorf("%w: plan, price, interval and period fields must be set together (subscription %s)",
			ErrIncompleteSubscription, s.ID)
	}
	return nil
}

// IsTerminal reports whether the status ends the subscription lifecycle.
func IsTerminal(status string) bool {
	return status == StatusCanceled || status == StatusIncompleteExpired
}
