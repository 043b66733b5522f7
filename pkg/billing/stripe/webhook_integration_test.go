package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

const testUserID = "user_test123"

// countingNotifier records every notification it is asked to send.
type countingNotifier struct {
	mu      sync.Mutex
	success []subsync.Notification
	failure []subsync.Notification
}

func (n *countingNotifier) SendSuccess(_ context.Context, msg subsync.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.success = append(n.success, msg)
	return nil
}

func (n *countingNotifier) SendFailure(_ context.Context, msg subsync.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failure = append(n.failure, msg)
	return nil
}

// pipeline wires the webhook handler to a real Reconciler and Dispatcher over
// memory storage. Only the Stripe HTTP calls are faked.
type pipeline struct {
	handler  *WebhookHandler
	storage  *memory.Storage
	notifier *countingNotifier
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctx := context.Background()

	storage := memory.New()
	require.NoError(t, storage.SaveUser(ctx, subsync.UserRef{
		ID:         testUserID,
		CustomerID: testCustomerID,
		Email:      "user@example.com",
	}))

	client := newClient(Config{Config: billing.Config{PlanMapping: testPlans}})
	client.retrieve = func(_ context.Context, id string) (*stripe.Subscription, error) {
		if id != testSubID {
			return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound}
		}
		return testSubscription(stripe.SubscriptionStatusActive), nil
	}
	client.customer = func(_ context.Context, id string) (*stripe.Customer, error) {
		return &stripe.Customer{ID: id, Email: "stranger@example.com"}, nil
	}

	reconciler, err := subsync.NewReconciler(subsync.ReconcilerConfig{
		Storage:              storage,
		API:                  client,
		FetchTimeout:         time.Second,
		RetryInitialInterval: time.Millisecond,
	})
	require.NoError(t, err)

	notifier := &countingNotifier{}
	dispatcher, err := subsync.NewDispatcher(subsync.DispatcherConfig{
		Notifier: notifier,
		Ledger:   storage,
		Contacts: client,
		Timeout:  time.Second,
	})
	require.NoError(t, err)

	verifier, err := NewVerifier(testWebhookSecret, 0)
	require.NoError(t, err)
	handler, err := NewWebhookHandler(WebhookConfig{
		Verifier:   verifier,
		Decoder:    NewDecoder(billing.NewPlanMapping(testPlans)),
		Reconciler: reconciler,
		Dispatcher: dispatcher,
	})
	require.NoError(t, err)

	return &pipeline{handler: handler, storage: storage, notifier: notifier}
}

func (p *pipeline) deliver(t *testing.T, payload string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, signedRequest(t, payload))
	return rec.Code
}

func TestPipeline_CheckoutDeliveredTwiceNotifiesOnce(t *testing.T) {
	p := newPipeline(t)

	assert.Equal(t, http.StatusOK, p.deliver(t, checkoutPayload))
	assert.Equal(t, http.StatusOK, p.deliver(t, checkoutPayload))

	got, err := p.storage.GetSubscription(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, testSubID, got.ID)
	assert.Equal(t, "pro", got.PlanID)
	assert.Equal(t, subsync.StatusActive, got.Status)
	assert.Equal(t, int64(2000), got.CurrentPeriodEnd)

	require.Len(t, p.notifier.success, 1)
	assert.Equal(t, testUserID, p.notifier.success[0].UserID)
	assert.Equal(t, "user@example.com", p.notifier.success[0].Email)
	assert.Equal(t, "pro", p.notifier.success[0].PlanID)
	assert.Empty(t, p.notifier.failure)
}

func TestPipeline_UnknownCustomerIsAcknowledged(t *testing.T) {
	p := newPipeline(t)
	payload := strings.Replace(checkoutPayload, testCustomerID, "cus_stranger", 1)

	assert.Equal(t, http.StatusOK, p.deliver(t, payload))

	_, err := p.storage.GetSubscriptionByID(context.Background(), testSubID)
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	assert.Empty(t, p.notifier.success)
	require.Len(t, p.notifier.failure, 1)
	failure := p.notifier.failure[0]
	assert.Equal(t, "cus_stranger", failure.CustomerID)
	assert.Equal(t, "stranger@example.com", failure.Email)
	assert.Contains(t, failure.Reason, subsync.ErrUnknownCustomer.Error())
}

func TestPipeline_UpdateDeliveredAfterDeleteIsDropped(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusOK, p.deliver(t, checkoutPayload))
	assert.Equal(t, http.StatusOK, p.deliver(t, subscriptionDeletedPayload))
	assert.Equal(t, http.StatusOK, p.deliver(t, subscriptionUpdatedPayload))

	_, err := p.storage.GetSubscription(ctx, testUserID)
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
	deleted, err := p.storage.IsSubscriptionDeleted(ctx, testSubID)
	require.NoError(t, err)
	assert.True(t, deleted)
}
