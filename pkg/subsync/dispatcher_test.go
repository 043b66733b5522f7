package subsync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

func newDispatcher(t *testing.T, cfg subsync.DispatcherConfig) *subsync.Dispatcher {
	t.Helper()
	d, err := subsync.NewDispatcher(cfg)
	require.NoError(t, err)
	return d
}

func TestNewDispatcher_RequiresNotifier(t *testing.T) {
	_, err := subsync.NewDispatcher(subsync.DispatcherConfig{})
	assert.Error(t, err)
}

func TestDispatcher_SuccessOncePerCheckout(t *testing.T) {
	f := newFixture(t, "")
	notifier := &recordingNotifier{}
	d := newDispatcher(t, subsync.DispatcherConfig{Notifier: notifier, Ledger: f.storage})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := checkoutEvent()
		e.Meta.ID = fmt.Sprintf("evt_%d", i) // provider redelivery may carry a new event id
		out, err := f.reconciler.Reconcile(ctx, e)
		require.NoError(t, err)
		d.NotifySuccess(ctx, e, out)
	}

	success, failure := notifier.counts()
	assert.Equal(t, 1, success)
	assert.Equal(t, 0, failure)
	assert.Equal(t, "u1@example.com", notifier.success[0].Email)
	assert.Equal(t, "pro", notifier.success[0].PlanID)
	assert.Equal(t, "sub_1", notifier.success[0].SubscriptionID)
}

func TestDispatcher_SuccessOnlyForAppliedCheckouts(t *testing.T) {
	f := newFixture(t, "")
	notifier := &recordingNotifier{}
	d := newDispatcher(t, subsync.DispatcherConfig{Notifier: notifier, Ledger: f.storage})
	ctx := context.Background()

	update := pastDueEvent()
	out, err := f.reconciler.Reconcile(ctx, update)
	require.NoError(t, err)
	d.NotifySuccess(ctx, update, out)

	d.NotifySuccess(ctx, checkoutEvent(), &subsync.Outcome{Kind: subsync.KindCheckoutCompleted})
	d.NotifySuccess(ctx, checkoutEvent(), nil)

	success, _ := notifier.counts()
	assert.Equal(t, 0, success)
}

func TestDispatcher_LedgerErrorStillSends(t *testing.T) {
	f := newFixture(t, "")
	notifier := &recordingNotifier{}
	d := newDispatcher(t, subsync.DispatcherConfig{
		Notifier: notifier,
		Ledger:   failingLedger{Storage: memory.New()},
	})
	ctx := context.Background()

	out, err := f.reconciler.Reconcile(ctx, checkoutEvent())
	require.NoError(t, err)
	d.NotifySuccess(ctx, checkoutEvent(), out)

	success, _ := notifier.counts()
	assert.Equal(t, 1, success)
}

func TestDispatcher_FailureForUnknownCustomer(t *testing.T) {
	f := newFixture(t, "")
	notifier := &recordingNotifier{}
	d := newDispatcher(t, subsync.DispatcherConfig{
		Notifier: notifier,
		Contacts: staticContacts{"cus_unknown": "who@example.com"},
	})
	ctx := context.Background()

	e := &subsync.CheckoutCompleted{
		Meta:           subsync.EventMeta{ID: "evt_1", Type: "checkout.session.completed"},
		SessionID:      "cs_1",
		CustomerID:     "cus_unknown",
		SubscriptionID: "sub_x",
	}
	out, err := f.reconciler.Reconcile(ctx, e)
	require.Error(t, err)
	d.NotifyFailure(ctx, e, out, err)

	_, failure := notifier.counts()
	require.Equal(t, 1, failure)
	n := notifier.failure[0]
	assert.Equal(t, subsync.NotificationFailure, n.Kind)
	assert.Equal(t, "who@example.com", n.Email)
	assert.Equal(t, "cus_unknown", n.CustomerID)
	assert.Equal(t, "sub_x", n.SubscriptionID)
	assert.Contains(t, n.Reason, "unknown customer")
}

func TestDispatcher_FailureSkipsNonPurchaseAndRecoverable(t *testing.T) {
	notifier := &recordingNotifier{}
	d := newDispatcher(t, subsync.DispatcherConfig{Notifier: notifier})
	ctx := context.Background()

	fatal := &subsync.ReconcileError{Kind: subsync.KindSubscriptionDeleted, Fatal: true, Err: subsync.ErrUnknownCustomer}
	d.NotifyFailure(ctx, &subsync.SubscriptionDeleted{ID: "sub_1"}, nil, fatal)
	d.NotifyFailure(ctx, &subsync.Ignored{}, nil, fatal)

	recoverable := &subsync.ReconcileError{Kind: subsync.KindCheckoutCompleted, Err: subsync.ErrProviderAPI}
	d.NotifyFailure(ctx, checkoutEvent(), nil, recoverable)
	d.NotifyFailure(ctx, checkoutEvent(), nil, nil)

	_, failure := notifier.counts()
	assert.Equal(t, 0, failure)
}

func TestDispatcher_NotifierErrorIsSwallowed(t *testing.T) {
	f := newFixture(t, "")
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	d := newDispatcher(t, subsync.DispatcherConfig{Notifier: notifier, Ledger: f.storage})
	ctx := context.Background()

	out, err := f.reconciler.Reconcile(ctx, checkoutEvent())
	require.NoError(t, err)

	assert.NotPanics(t, func() { d.NotifySuccess(ctx, checkoutEvent(), out) })

	got, err := f.storage.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "active", got.Status, "notification failure must not touch reconciled state")
}

func TestDispatcher_SendTimeout(t *testing.T) {
	f := newFixture(t, "")
	block := make(chan struct{})
	defer close(block)
	notifier := &recordingNotifier{block: block}
	d := newDispatcher(t, subsync.DispatcherConfig{
		Notifier: notifier,
		Timeout:  30 * time.Millisecond,
	})
	ctx := context.Background()

	out, err := f.reconciler.Reconcile(ctx, checkoutEvent())
	require.NoError(t, err)

	start := time.Now()
	d.NotifySuccess(ctx, checkoutEvent(), out)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatcher_IgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, "")
	notifier := &recordingNotifier{}
	d := newDispatcher(t, subsync.DispatcherConfig{Notifier: notifier})

	out, err := f.reconciler.Reconcile(context.Background(), checkoutEvent())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.NotifySuccess(ctx, checkoutEvent(), out)

	success, _ := notifier.counts()
	assert.Equal(t, 1, success)
}
