package billing

import "time"

// DefaultSignatureTolerance is how old a signed webhook timestamp may be.
const DefaultSignatureTolerance = 5 * time.Minute

// Config defines the standard configuration all providers should accept
type Config struct {
	// PlanMapping maps provider price or product IDs to local plan IDs.
	// For example: map[string]string{"price_pro_monthly": "pro", "prod_team": "team"}
	// Keys are matched case-insensitively. Unmapped prices resolve to their product ID.
	PlanMapping map[string]string

	// WebhookSecret is the signing secret used to verify incoming webhooks.
	WebhookSecret string

	// SignatureTolerance bounds the age of a webhook signature timestamp.
	// Defaults to DefaultSignatureTolerance.
	SignatureTolerance time.Duration

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string
}
