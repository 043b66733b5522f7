package stripe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestDecoder_CheckoutCompleted(t *testing.T) {
	d := NewDecoder(billing.NewPlanMapping(testPlans))

	e, err := d.Decode([]byte(checkoutPayload))
	require.NoError(t, err)

	checkout, ok := e.(*subsync.CheckoutCompleted)
	require.True(t, ok, "expected *CheckoutCompleted, got %T", e)
	assert.Equal(t, "cs_test", checkout.SessionID)
	assert.Equal(t, testCustomerID, checkout.CustomerID)
	assert.Equal(t, testSubID, checkout.SubscriptionID)
	assert.Equal(t, "evt_checkout", checkout.Meta.ID)
	assert.Equal(t, EventCheckoutSessionCompleted, checkout.Meta.Type)
	assert.Equal(t, int64(1700000000), checkout.Meta.Created.Unix())
}

func TestDecoder_OneTimePaymentIsIgnored(t *testing.T) {
	d := NewDecoder(nil)

	e, err := d.Decode([]byte(paymentCheckoutPayload))
	require.NoError(t, err)
	assert.Equal(t, subsync.KindIgnored, e.Kind())
	assert.Equal(t, "evt_payment", e.Metadata().ID)
}

func TestDecoder_SubscriptionUpdated(t *testing.T) {
	d := NewDecoder(billing.NewPlanMapping(testPlans))

	e, err := d.Decode([]byte(subscriptionUpdatedPayload))
	require.NoError(t, err)

	updated, ok := e.(*subsync.SubscriptionUpdated)
	require.True(t, ok, "expected *SubscriptionUpdated, got %T", e)
	assert.Equal(t, testSubID, updated.ID)
	assert.Equal(t, testCustomerID, updated.CustomerID)
	assert.Equal(t, "pro", updated.PlanID)
	assert.Equal(t, testPriceID, updated.PriceID)
	assert.Equal(t, "month", updated.Interval)
	assert.Equal(t, "past_due", updated.Status)
	assert.Equal(t, int64(1000), updated.PeriodStart)
	assert.Equal(t, int64(2000), updated.PeriodEnd)
	assert.True(t, updated.CancelAtPeriodEnd)
}

func TestDecoder_UnmappedPriceFallsBackToProduct(t *testing.T) {
	d := NewDecoder(nil)

	e, err := d.Decode([]byte(subscriptionUpdatedPayload))
	require.NoError(t, err)
	assert.Equal(t, testProductID, e.(*subsync.SubscriptionUpdated).PlanID)
}

func TestDecoder_SubscriptionDeleted(t *testing.T) {
	d := NewDecoder(nil)

	e, err := d.Decode([]byte(subscriptionDeletedPayload))
	require.NoError(t, err)

	deleted, ok := e.(*subsync.SubscriptionDeleted)
	require.True(t, ok, "expected *SubscriptionDeleted, got %T", e)
	assert.Equal(t, testSubID, deleted.ID)
	assert.Equal(t, testCustomerID, deleted.Customer())
}

func TestDecoder_UnknownTypeIsIgnored(t *testing.T) {
	d := NewDecoder(nil)

	e, err := d.Decode([]byte(`{"id":"evt_x","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, subsync.KindIgnored, e.Kind())
	assert.Equal(t, "invoice.paid", e.Metadata().Type)
}

func TestDecoder_Malformed(t *testing.T) {
	d := NewDecoder(nil)

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `{not json`},
		{name: "missing id", payload: `{"type":"checkout.session.completed"}`},
		{name: "checkout without data", payload: `{"id":"evt_1","type":"checkout.session.completed"}`},
		{
			name:    "checkout without customer",
			payload: `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","mode":"subscription","subscription":"sub_1"}}}`,
		},
		{
			name:    "update without items",
			payload: `{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","customer":"cus_1","status":"active"}}}`,
		},
		{
			name:    "delete without id",
			payload: `{"id":"evt_1","type":"customer.subscription.deleted","data":{"object":{"customer":"cus_1"}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, subsync.ErrMalformedEvent)
		})
	}
}
