package billing

import (
	"context"
	"time"
)

// API is the subset of the billing provider's API the reconciler calls.
// Every failure is wrapped with ErrProviderAPI.
type API interface {
	// RetrieveSubscription fetches the authoritative state of a subscription.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error)

	// CancelSubscription cancels a subscription immediately.
	CancelSubscription(ctx context.Context, subscriptionID string) error

	// ListSubscriptions returns every non-canceled subscription of a customer.
	ListSubscriptions(ctx context.Context, customerID string) ([]*SubscriptionDetail, error)
}

// ContactResolver looks up how to reach a provider customer that has no local user.
type ContactResolver interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
}

// SubscriptionDetail is the provider's view of a subscription.
type SubscriptionDetail struct {
	ID                string
	CustomerID        string
	PlanID            string
	PriceID           string
	Interval          string
	Status            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}
