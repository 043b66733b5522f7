package subsync

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) FindUserByCustomerID(ctx context.Context, customerID string) (*UserRef, error) {
	var user *UserRef
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.FindUserByCustomerID(ctx, customerID)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.GetSubscription(ctx, userID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) GetSubscriptionByID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.GetSubscriptionByID(ctx, subscriptionID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.UpsertSubscription(ctx, sub)
	})
}

func (s *CircuitBreakerStorage) DeleteSubscriptionByID(ctx context.Context, subscriptionID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.DeleteSubscriptionByID(ctx, subscriptionID)
	})
}

func (s *CircuitBreakerStorage) IsSubscriptionDeleted(ctx context.Context, subscriptionID string) (bool, error) {
	var deleted bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		deleted, e = s.storage.IsSubscriptionDeleted(ctx, subscriptionID)
		return e
	})
	return deleted, err
}

func (s *CircuitBreakerStorage) ClaimNotification(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		claimed, e = s.storage.ClaimNotification(ctx, key, ttl)
		return e
	})
	return claimed, err
}
