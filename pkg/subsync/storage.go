package subsync

import (
	"context"
	"time"
)

// Storage is the local persistence the reconciler writes to. Every backend keys the
// subscription row by user id, so an upsert for a user replaces whatever was there.
type Storage interface {
	// FindUserByCustomerID returns the user mapped to a provider customer.
	// Returns ErrUserNotFound if no user is mapped.
	FindUserByCustomerID(ctx context.Context, customerID string) (*UserRef, error)

	// GetSubscription returns the subscription owned by a user.
	// Returns ErrSubscriptionNotFound if the user has none.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// GetSubscriptionByID returns the subscription with the given provider id.
	// Returns ErrSubscriptionNotFound if no row carries that id.
	GetSubscriptionByID(ctx context.Context, subscriptionID string) (*Subscription, error)

	// UpsertSubscription atomically creates or fully overwrites the row for sub.UserID.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// DeleteSubscriptionByID removes the row carrying the given provider id and
	// records the id as deleted, whether or not a row existed.
	// Deleting a missing row is not an error.
	DeleteSubscriptionByID(ctx context.Context, subscriptionID string) error

	// IsSubscriptionDeleted reports whether DeleteSubscriptionByID has been called
	// for the provider id.
	IsSubscriptionDeleted(ctx context.Context, subscriptionID string) (bool, error)

	// ClaimNotification records key in the notification ledger for ttl.
	// Returns true if the key was not already claimed.
	ClaimNotification(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// SuccessNotificationKey is the ledger key that guards the success notification of a checkout.
func SuccessNotificationKey(subscriptionID string) string {
	return "success:" + subscriptionID
}
