// Package memory provides an in-memory implementation of the subsync.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	users         map[string]*subsync.UserRef      // customer id -> user
	subscriptions map[string]*subsync.Subscription // user id -> subscription
	byID          map[string]string                // subscription id -> user id
	deleted       map[string]struct{}              // subscription ids seen deleted
	claims        map[string]time.Time             // ledger key -> expiry
	now           func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:         make(map[string]*subsync.UserRef),
		subscriptions: make(map[string]*subsync.Subscription),
		byID:          make(map[string]string),
		deleted:       make(map[string]struct{}),
		claims:        make(map[string]time.Time),
		now:           time.Now,
	}
}

// SaveUser maps a provider customer to a local user.
func (s *Storage) SaveUser(_ context.Context, user subsync.UserRef) error {
	if user.ID == "" || user.CustomerID == "" {
		return fmt.Errorf("invalid user: id and customer id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.CustomerID] = &user
	return nil
}

// FindUserByCustomerID implements subsync.Storage
func (s *Storage) FindUserByCustomerID(_ context.Context, customerID string) (*subsync.UserRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[customerID]
	if !ok {
		return nil, subsync.ErrUserNotFound
	}
	userCopy := *user
	return &userCopy, nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(_ context.Context, userID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// GetSubscriptionByID implements subsync.Storage
func (s *Storage) GetSubscriptionByID(_ context.Context, subscriptionID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byID[subscriptionID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	subCopy := *s.subscriptions[userID]
	return &subCopy, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(_ context.Context, sub *subsync.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.subscriptions[sub.UserID]; ok {
		delete(s.byID, prev.ID)
	}
	// a subscription id belongs to a single user
	if owner, ok := s.byID[sub.ID]; ok && owner != sub.UserID {
		delete(s.subscriptions, owner)
	}

	subCopy := *sub
	s.subscriptions[sub.UserID] = &subCopy
	s.byID[sub.ID] = sub.UserID
	return nil
}

// DeleteSubscriptionByID implements subsync.Storage
func (s *Storage) DeleteSubscriptionByID(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleted[subscriptionID] = struct{}{}
	userID, ok := s.byID[subscriptionID]
	if !ok {
		return nil
	}
	delete(s.byID, subscriptionID)
	delete(s.subscriptions, userID)
	return nil
}

// IsSubscriptionDeleted implements subsync.Storage
func (s *Storage) IsSubscriptionDeleted(_ context.Context, subscriptionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.deleted[subscriptionID]
	return ok, nil
}

// ClaimNotification implements subsync.Storage
func (s *Storage) ClaimNotification(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.claims[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.claims[key] = now.Add(ttl)
	return true, nil
}
