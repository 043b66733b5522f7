// Package firestore provides a Firestore implementation of the subsync.Storage interface.
// Subscription documents are keyed by user id and carry the provider id as a field.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	customersCollection     string
	subscriptionsCollection string
	deletedCollection       string
	claimsCollection        string
	now                     func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// CustomersCollection maps provider customers to users
	// Default: "billing_customers"
	CustomersCollection string

	// SubscriptionsCollection holds one document per user
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// DeletedCollection records provider ids of deleted subscriptions
	// Default: "billing_deleted_subscriptions"
	DeletedCollection string

	// ClaimsCollection is the notification ledger
	// Default: "billing_notification_claims"
	ClaimsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.CustomersCollection == "" {
		config.CustomersCollection = "billing_customers"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.DeletedCollection == "" {
		config.DeletedCollection = "billing_deleted_subscriptions"
	}
	if config.ClaimsCollection == "" {
		config.ClaimsCollection = "billing_notification_claims"
	}

	return &Storage{
		client:                  client,
		customersCollection:     config.CustomersCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		deletedCollection:       config.DeletedCollection,
		claimsCollection:        config.ClaimsCollection,
		now:                     time.Now,
	}, nil
}

// SaveUser maps a billing customer to a local user.
func (s *Storage) SaveUser(ctx context.Context, user subsync.UserRef) error {
	if user.ID == "" || user.CustomerID == "" {
		return fmt.Errorf("invalid user: id and customer id are required")
	}
	_, err := s.client.Collection(s.customersCollection).Doc(user.CustomerID).Set(ctx, map[string]interface{}{
		"userId":    user.ID,
		"email":     user.Email,
		"updatedAt": s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// FindUserByCustomerID implements subsync.Storage
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*subsync.UserRef, error) {
	snap, err := s.client.Collection(s.customersCollection).Doc(customerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrUserNotFound
	}

	data := snap.Data()
	return &subsync.UserRef{
		ID:         getString(data, "userId"),
		CustomerID: customerID,
		Email:      getString(data, "email"),
	}, nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subsync.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return subscriptionFromData(userID, snap.Data()), nil
}

// GetSubscriptionByID implements subsync.Storage
func (s *Storage) GetSubscriptionByID(ctx context.Context, subscriptionID string) (*subsync.Subscription, error) {
	iter := s.byID(subscriptionID).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return subscriptionFromData(snap.Ref.ID, snap.Data()), nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.UserID)
	data := map[string]interface{}{
		"subscriptionId":     sub.ID,
		"customerId":         sub.CustomerID,
		"planId":             sub.PlanID,
		"priceId":            sub.PriceID,
		"interval":           sub.Interval,
		"status":             sub.Status,
		"currentPeriodStart": sub.CurrentPeriodStart,
		"currentPeriodEnd":   sub.CurrentPeriodEnd,
		"cancelAtPeriodEnd":  sub.CancelAtPeriodEnd,
		"updatedAt":          s.now().UTC(),
	}

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// the id may have belonged to another user's document
		owners, err := tx.Documents(s.byID(sub.ID)).GetAll()
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if owner.Ref.ID == sub.UserID {
				continue
			}
			if err := tx.Delete(owner.Ref); err != nil {
				return err
			}
		}
		return tx.Set(doc, data)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// DeleteSubscriptionByID implements subsync.Storage
func (s *Storage) DeleteSubscriptionByID(ctx context.Context, subscriptionID string) error {
	marker := s.client.Collection(s.deletedCollection).Doc(subscriptionID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		docs, err := tx.Documents(s.byID(subscriptionID)).GetAll()
		if err != nil {
			return err
		}
		for _, d := range docs {
			if err := tx.Delete(d.Ref); err != nil {
				return err
			}
		}
		return tx.Set(marker, map[string]interface{}{"deletedAt": s.now().UTC()})
	})
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// IsSubscriptionDeleted implements subsync.Storage
func (s *Storage) IsSubscriptionDeleted(ctx context.Context, subscriptionID string) (bool, error) {
	snap, err := s.client.Collection(s.deletedCollection).Doc(subscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check deleted subscription: %w", err)
	}
	return snap.Exists(), nil
}

// ClaimNotification implements subsync.Storage. An expired claim can be taken again.
func (s *Storage) ClaimNotification(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	doc := s.client.Collection(s.claimsCollection).Doc(key)
	claimed := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		claimed = false
		now := s.now().UTC()

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() && getTime(snap.Data(), "expiresAt").After(now) {
			return nil
		}

		claimed = true
		return tx.Set(doc, map[string]interface{}{
			"claimedAt": now,
			"expiresAt": now.Add(ttl),
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	return claimed, nil
}

func (s *Storage) byID(subscriptionID string) firestore.Query {
	return s.client.Collection(s.subscriptionsCollection).Where("subscriptionId", "==", subscriptionID).Limit(2)
}

func subscriptionFromData(userID string, data map[string]interface{}) *subsync.Subscription {
	return &subsync.Subscription{
		ID:                 getString(data, "subscriptionId"),
		UserID:             userID,
		CustomerID:         getString(data, "customerId"),
		PlanID:             getString(data, "planId"),
		PriceID:            getString(data, "priceId"),
		Interval:           getString(data, "interval"),
		Status:             getString(data, "status"),
		CurrentPeriodStart: getInt64(data, "currentPeriodStart"),
		CurrentPeriodEnd:   getInt64(data, "currentPeriodEnd"),
		CancelAtPeriodEnd:  getBool(data, "cancelAtPeriodEnd"),
	}
}

// Helper functions

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
