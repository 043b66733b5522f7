package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionReader is the part of subsync.Storage the API reads from.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, userID string) (*subsync.Subscription, error)
}

// Resyncer rebuilds a customer's row from the provider. *subsync.Reconciler implements it.
type Resyncer interface {
	Resync(ctx context.Context, customerID string) (*subsync.Outcome, error)
}

// Config holds configuration for the subscription API handler
type Config struct {
	// Storage is where subscription rows are read from (required)
	Storage SubscriptionReader

	// GetUserID extracts user ID from HTTP request (required)
	GetUserID func(*http.Request) string

	// FreePlanID is reported as the plan of users without a subscription row.
	// If empty, "free" is used.
	FreePlanID string

	// Resyncer enables the Resync endpoint. Optional.
	Resyncer Resyncer

	// GetCustomerID extracts the customer id for the Resync endpoint.
	// Required when Resyncer is set.
	GetCustomerID func(*http.Request) string

	// AdminToken is the bearer token the Resync endpoint requires.
	// Required when Resyncer is set.
	AdminToken string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger subsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Storage == nil {
		return fmt.Errorf("storage is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.Resyncer != nil {
		if c.GetCustomerID == nil {
			return fmt.Errorf("getCustomerID is required when resync is enabled")
		}
		if c.AdminToken == "" {
			return fmt.Errorf("admin token is required when resync is enabled")
		}
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.FreePlanID == "" {
		config.FreePlanID = defaultFreePlan
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context,
// for stacks where an auth middleware has already identified the caller.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
