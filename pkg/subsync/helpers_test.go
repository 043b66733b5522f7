package subsync_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

// fakeAPI is an in-process billing.API.
type fakeAPI struct {
	mu            sync.Mutex
	subscriptions map[string]*billing.SubscriptionDetail
	listing       map[string][]*billing.SubscriptionDetail
	retrieveErrs  []error // returned in order before succeeding
	listErr       error
	cancelErr     error
	delay         time.Duration

	retrieveCalls int
	canceled      []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		subscriptions: make(map[string]*billing.SubscriptionDetail),
		listing:       make(map[string][]*billing.SubscriptionDetail),
	}
}

func (f *fakeAPI) RetrieveSubscription(ctx context.Context, id string) (*billing.SubscriptionDetail, error) {
	f.mu.Lock()
	f.retrieveCalls++
	delay := f.delay
	var err error
	if len(f.retrieveErrs) > 0 {
		err, f.retrieveErrs = f.retrieveErrs[0], f.retrieveErrs[1:]
	}
	detail, ok := f.subscriptions[id]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", billing.ErrProviderAPI, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, id)
	}
	d := *detail
	return &d, nil
}

func (f *fakeAPI) CancelSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeAPI) ListSubscriptions(_ context.Context, customerID string) ([]*billing.SubscriptionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listing[customerID], nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retrieveCalls
}

// recordingNotifier captures sent notifications.
type recordingNotifier struct {
	mu      sync.Mutex
	success []subsync.Notification
	failure []subsync.Notification
	err     error
	block   chan struct{}
}

func (n *recordingNotifier) SendSuccess(ctx context.Context, msg subsync.Notification) error {
	return n.record(ctx, &n.success, msg)
}

func (n *recordingNotifier) SendFailure(ctx context.Context, msg subsync.Notification) error {
	return n.record(ctx, &n.failure, msg)
}

func (n *recordingNotifier) record(ctx context.Context, dst *[]subsync.Notification, msg subsync.Notification) error {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	*dst = append(*dst, msg)
	return n.err
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.success), len(n.failure)
}

type staticContacts map[string]string

func (c staticContacts) CustomerEmail(_ context.Context, customerID string) (string, error) {
	email, ok := c[customerID]
	if !ok {
		return "", billing.ErrCustomerNotFound
	}
	return email, nil
}

// failingLedger is a Storage whose ClaimNotification always errors.
type failingLedger struct {
	*memory.Storage
}

func (failingLedger) ClaimNotification(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("ledger down")
}

var proMonthly = &billing.SubscriptionDetail{
	ID:          "sub_1",
	CustomerID:  "cus_1",
	PlanID:      "pro",
	PriceID:     "price_pro_monthly",
	Interval:    "month",
	Status:      subsync.StatusActive,
	PeriodStart: time.Unix(1000, 0),
	PeriodEnd:   time.Unix(2000, 0),
}

type fixture struct {
	storage    *memory.Storage
	api        *fakeAPI
	reconciler *subsync.Reconciler
}

func newFixture(t *testing.T, freePlan string) *fixture {
	t.Helper()
	storage := memory.New()
	if err := storage.SaveUser(context.Background(), subsync.UserRef{ID: "u1", CustomerID: "cus_1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	api := newFakeAPI()
	api.subscriptions["sub_1"] = proMonthly

	r, err := subsync.NewReconciler(subsync.ReconcilerConfig{
		Storage:              storage,
		API:                  api,
		FreePlanID:           freePlan,
		FetchTimeout:         time.Second,
		RetryInitialInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	return &fixture{storage: storage, api: api, reconciler: r}
}

func checkoutEvent() *subsync.CheckoutCompleted {
	return &subsync.CheckoutCompleted{
		Meta:           subsync.EventMeta{ID: "evt_checkout", Type: "checkout.session.completed"},
		SessionID:      "cs_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	}
}

func pastDueEvent() *subsync.SubscriptionUpdated {
	return &subsync.SubscriptionUpdated{
		Meta:        subsync.EventMeta{ID: "evt_update", Type: "customer.subscription.updated"},
		ID:          "sub_1",
		CustomerID:  "cus_1",
		PlanID:      "pro",
		PriceID:     "price_pro_monthly",
		Interval:    "month",
		Status:      "past_due",
		PeriodStart: 1000,
		PeriodEnd:   2000,
	}
}
