package stripe

import (
	"github.com/mihaimyh/subsync/pkg/billing"
)

const providerName = "stripe"

// Provider bundles the Stripe API client, signature verifier and event decoder
// built from one Config.
type Provider struct {
	Client   *Client
	Verifier *Verifier
	Decoder  *Decoder
}

// NewProvider creates a Stripe provider. Both the API key and the webhook secret
// are required.
func NewProvider(config Config) (*Provider, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	verifier, err := NewVerifier(config.WebhookSecret, config.SignatureTolerance)
	if err != nil {
		return nil, err
	}
	return &Provider{
		Client:   client,
		Verifier: verifier,
		Decoder:  NewDecoder(billing.NewPlanMapping(config.PlanMapping)),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}
