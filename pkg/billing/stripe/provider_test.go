package stripe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
)

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(Config{Config: billing.Config{
		APIKey:        "sk_test_123",
		WebhookSecret: testWebhookSecret,
		PlanMapping:   testPlans,
	}})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())
	assert.NotNil(t, p.Client)
	assert.NotNil(t, p.Verifier)
	assert.NotNil(t, p.Decoder)
}

func TestNewProvider_MissingSecrets(t *testing.T) {
	_, err := NewProvider(Config{Config: billing.Config{WebhookSecret: testWebhookSecret}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(Config{Config: billing.Config{APIKey: "sk_test_123"}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
