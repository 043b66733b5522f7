package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrProviderAPI is returned when the provider's API returns an error or cannot be reached
	ErrProviderAPI = errors.New("billing provider API error")

	// ErrSubscriptionNotFound is returned when the provider has no subscription with the given id
	ErrSubscriptionNotFound = errors.New("subscription not found in billing provider")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")
)
