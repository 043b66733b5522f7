package stripe

import (
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testCustomerID    = "cus_test123"
	testSubID         = "sub_test123"
	testPriceID       = "price_pro_monthly"
	testProductID     = "prod_pro"
)

var testPlans = map[string]string{testPriceID: "pro"}

// recordingMetrics records the calls the stripe package makes.
type recordingMetrics struct {
	subsync.NoopMetrics

	mu       sync.Mutex
	apiCalls map[string][]string
	webhooks []string
	errors   []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{apiCalls: make(map[string][]string)}
}

func (m *recordingMetrics) RecordAPICall(endpoint, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiCalls[endpoint] = append(m.apiCalls[endpoint], status)
}

func (m *recordingMetrics) RecordWebhook(_, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, state)
}

func (m *recordingMetrics) RecordWebhookError(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, errorType)
}

func (m *recordingMetrics) states() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.webhooks...)
}

func (m *recordingMetrics) errorTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.errors...)
}

func testSubscription(status stripe.SubscriptionStatus) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       testSubID,
		Customer: &stripe.Customer{ID: testCustomerID},
		Status:   status,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				ID:                 "si_1",
				CurrentPeriodStart: 1000,
				CurrentPeriodEnd:   2000,
				Price: &stripe.Price{
					ID:        testPriceID,
					Product:   &stripe.Product{ID: testProductID},
					Recurring: &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth},
				},
			}},
		},
	}
}

// sign returns a Stripe-Signature header for payload signed at ts.
func sign(t *testing.T, payload []byte, ts time.Time) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: ts,
	})
	return signed.Header
}

const checkoutPayload = `{
  "id": "evt_checkout",
  "object": "event",
  "type": "checkout.session.completed",
  "created": 1700000000,
  "data": {
    "object": {
      "id": "cs_test",
      "object": "checkout.session",
      "mode": "subscription",
      "customer": "cus_test123",
      "subscription": "sub_test123"
    }
  }
}`

const paymentCheckoutPayload = `{
  "id": "evt_payment",
  "object": "event",
  "type": "checkout.session.completed",
  "created": 1700000000,
  "data": {
    "object": {
      "id": "cs_payment",
      "object": "checkout.session",
      "mode": "payment",
      "customer": "cus_test123"
    }
  }
}`

const subscriptionUpdatedPayload = `{
  "id": "evt_updated",
  "object": "event",
  "type": "customer.subscription.updated",
  "created": 1700000000,
  "data": {
    "object": {
      "id": "sub_test123",
      "object": "subscription",
      "customer": "cus_test123",
      "status": "past_due",
      "cancel_at_period_end": true,
      "items": {
        "object": "list",
        "data": [{
          "id": "si_1",
          "object": "subscription_item",
          "current_period_start": 1000,
          "current_period_end": 2000,
          "price": {
            "id": "price_pro_monthly",
            "object": "price",
            "product": "prod_pro",
            "recurring": {"interval": "month"}
          }
        }]
      }
    }
  }
}`

const subscriptionDeletedPayload = `{
  "id": "evt_deleted",
  "object": "event",
  "type": "customer.subscription.deleted",
  "created": 1700000000,
  "data": {
    "object": {
      "id": "sub_test123",
      "object": "subscription",
      "customer": "cus_test123",
      "status": "canceled"
    }
  }
}`
