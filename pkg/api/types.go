package api

import "time"

// SubscriptionResponse is a user's current billing standing
type SubscriptionResponse struct {
	UserID   string `json:"user_id"`
	Plan     string `json:"plan"`
	Status   string `json:"status"`   // provider status, or "none" without a subscription
	Entitled bool   `json:"entitled"` // true while the paid plan should be honored

	Subscription *SubscriptionDetail `json:"subscription,omitempty"`
}

// SubscriptionDetail mirrors the stored subscription row
type SubscriptionDetail struct {
	ID                 string     `json:"id"`
	CustomerID         string     `json:"customer_id"`
	PriceID            string     `json:"price_id,omitempty"`
	Interval           string     `json:"interval,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
}

// ResyncResponse reports what a resync did
type ResyncResponse struct {
	CustomerID     string `json:"customer_id"`
	UserID         string `json:"user_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Kind           string `json:"kind"`
	Applied        bool   `json:"applied"`
	Stale          bool   `json:"stale"`
}
