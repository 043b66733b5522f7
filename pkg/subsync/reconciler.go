package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const (
	defaultFetchTimeout         = 10 * time.Second
	defaultFetchRetries         = 3
	defaultRetryInitialInterval = 200 * time.Millisecond
)

// Reconcile results reported to Metrics.RecordReconcile.
const (
	ResultApplied     = "applied"
	ResultStale       = "stale"
	ResultNoop        = "noop"
	ResultFatal       = "fatal"
	ResultRecoverable = "recoverable"
)

// ReconcilerConfig holds the collaborators and tuning of a Reconciler.
type ReconcilerConfig struct {
	// Storage is the local subscription store (required)
	Storage Storage

	// API is the billing provider API used for authoritative fetches and cleanup (required)
	API billing.API

	// FreePlanID is the plan whose leftover subscriptions are canceled after a paid checkout.
	// Empty disables cleanup.
	FreePlanID string

	// FetchTimeout bounds the provider fetch including retries. Defaults to 10s.
	FetchTimeout time.Duration

	// FetchRetries is the number of retries after the first failed fetch. Defaults to 3.
	FetchRetries uint64

	// RetryInitialInterval is the first backoff delay. Defaults to 200ms.
	RetryInitialInterval time.Duration

	// Locks serializes reconciliation per user. A fresh KeyedMutex is used if nil.
	Locks *KeyedMutex

	Logger  Logger
	Metrics Metrics
}

// Outcome describes what reconciling an event did.
type Outcome struct {
	Kind EventKind

	// User is the local user the event resolved to (nil when it did not resolve)
	User *UserRef

	// SubscriptionID is the provider subscription the event concerned
	SubscriptionID string

	// Subscription is the row that was written, for applied upserts
	Subscription *Subscription

	// Applied is true when storage was mutated
	Applied bool

	// Stale is true when an update was dropped because it would regress the current
	// period or because the subscription had already been deleted
	Stale bool
}

// Reconciler applies verified billing events to local subscription state.
type Reconciler struct {
	storage      Storage
	api          billing.API
	freePlanID   string
	fetchTimeout time.Duration
	fetchRetries uint64
	retryInitial time.Duration
	locks        *KeyedMutex
	logger       Logger
	metrics      Metrics
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Storage == nil {
		return nil, errors.New("reconciler: storage is required")
	}
	if cfg.API == nil {
		return nil, errors.New("reconciler: billing API is required")
	}

	r := &Reconciler{
		storage:      cfg.Storage,
		api:          cfg.API,
		freePlanID:   cfg.FreePlanID,
		fetchTimeout: cfg.FetchTimeout,
		fetchRetries: cfg.FetchRetries,
		retryInitial: cfg.RetryInitialInterval,
		locks:        cfg.Locks,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = defaultFetchTimeout
	}
	if r.fetchRetries == 0 {
		r.fetchRetries = defaultFetchRetries
	}
	if r.retryInitial <= 0 {
		r.retryInitial = defaultRetryInitialInterval
	}
	if r.locks == nil {
		r.locks = NewKeyedMutex()
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	return r, nil
}

// Reconcile applies e to local state. The returned Outcome is never nil. Errors are
// *ReconcileError values; use IsFatal to tell whether a provider retry could succeed.
func (r *Reconciler) Reconcile(ctx context.Context, e Event) (*Outcome, error) {
	v := &reconcileVisitor{r: r, out: &Outcome{Kind: e.Kind()}}
	err := Visit(ctx, e, v)
	if err != nil {
		err = reconcileError(e.Kind(), err)
		result := ResultRecoverable
		if IsFatal(err) {
			result = ResultFatal
		}
		r.metrics.RecordReconcile(e.Kind(), result)
		return v.out, err
	}

	switch {
	case v.out.Stale:
		r.metrics.RecordReconcile(e.Kind(), ResultStale)
	case v.out.Applied:
		r.metrics.RecordReconcile(e.Kind(), ResultApplied)
	default:
		r.metrics.RecordReconcile(e.Kind(), ResultNoop)
	}
	return v.out, nil
}

type reconcileVisitor struct {
	r   *Reconciler
	out *Outcome
}

func (v *reconcileVisitor) VisitCheckoutCompleted(ctx context.Context, e *CheckoutCompleted) error {
	r := v.r
	v.out.SubscriptionID = e.SubscriptionID

	user, err := r.findUser(ctx, e.CustomerID)
	if err != nil {
		return err
	}
	v.out.User = user

	unlock, err := r.locks.Lock(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("lock user %s: %w", user.ID, err)
	}
	defer unlock()

	detail, err := r.fetchSubscription(ctx, e.SubscriptionID)
	if err != nil {
		return err
	}

	sub := subscriptionFromDetail(user, detail)
	if err := r.apply(ctx, sub, v.out); err != nil {
		return err
	}
	if v.out.Stale {
		r.logger.Info("stale checkout skipped", append(eventFields(e),
			Field{Key: "user_id", Value: user.ID},
			Field{Key: "subscription_id", Value: sub.ID},
		)...)
		return nil
	}

	r.logger.Info("checkout reconciled", append(eventFields(e),
		Field{Key: "user_id", Value: user.ID},
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "plan_id", Value: sub.PlanID},
		Field{Key: "status", Value: sub.Status},
	)...)

	r.cancelFreeSubscriptions(ctx, e, sub.ID)
	return nil
}

func (v *reconcileVisitor) VisitSubscriptionUpdated(ctx context.Context, e *SubscriptionUpdated) error {
	r := v.r
	v.out.SubscriptionID = e.ID

	user, err := r.findUser(ctx, e.CustomerID)
	if err != nil {
		return err
	}
	v.out.User = user

	unlock, err := r.locks.Lock(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("lock user %s: %w", user.ID, err)
	}
	defer unlock()

	sub := &Subscription{
		ID:                 e.ID,
		UserID:             user.ID,
		CustomerID:         e.CustomerID,
		PlanID:             e.PlanID,
		PriceID:            e.PriceID,
		Interval:           e.Interval,
		Status:             e.Status,
		CurrentPeriodStart: e.PeriodStart,
		CurrentPeriodEnd:   e.PeriodEnd,
		CancelAtPeriodEnd:  e.CancelAtPeriodEnd,
	}
	if err := r.apply(ctx, sub, v.out); err != nil {
		return err
	}

	if v.out.Stale {
		r.logger.Info("stale subscription update skipped", append(eventFields(e),
			Field{Key: "user_id", Value: user.ID},
			Field{Key: "subscription_id", Value: sub.ID},
			Field{Key: "period_end", Value: sub.CurrentPeriodEnd},
		)...)
		return nil
	}
	r.logger.Info("subscription update reconciled", append(eventFields(e),
		Field{Key: "user_id", Value: user.ID},
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "status", Value: sub.Status},
	)...)
	return nil
}

func (v *reconcileVisitor) VisitSubscriptionDeleted(ctx context.Context, e *SubscriptionDeleted) error {
	r := v.r
	v.out.SubscriptionID = e.ID

	existing, err := r.storage.GetSubscriptionByID(ctx, e.ID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		// delete can arrive before (or instead of) the create it ends; the marker
		// keeps that create from landing later
		if err := r.storage.DeleteSubscriptionByID(ctx, e.ID); err != nil {
			return fmt.Errorf("mark subscription %s deleted: %w", e.ID, err)
		}
		r.logger.Debug("deleted subscription not stored locally", append(eventFields(e),
			Field{Key: "subscription_id", Value: e.ID},
		)...)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get subscription %s: %w", e.ID, err)
	}
	v.out.User = &UserRef{ID: existing.UserID, CustomerID: existing.CustomerID}

	unlock, err := r.locks.Lock(ctx, existing.UserID)
	if err != nil {
		return fmt.Errorf("lock user %s: %w", existing.UserID, err)
	}
	defer unlock()

	if err := r.storage.DeleteSubscriptionByID(ctx, e.ID); err != nil {
		return fmt.Errorf("delete subscription %s: %w", e.ID, err)
	}
	v.out.Applied = true

	r.logger.Info("subscription deleted", append(eventFields(e),
		Field{Key: "user_id", Value: existing.UserID},
		Field{Key: "subscription_id", Value: e.ID},
	)...)
	return nil
}

func (v *reconcileVisitor) VisitIgnored(_ context.Context, e *Ignored) error {
	v.r.logger.Debug("ignoring unhandled event type", eventFields(e)...)
	return nil
}

func (r *Reconciler) findUser(ctx context.Context, customerID string) (*UserRef, error) {
	user, err := r.storage.FindUserByCustomerID(ctx, customerID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCustomer, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("find user for customer %s: %w", customerID, err)
	}
	return user, nil
}

// apply upserts sub unless the subscription was already deleted or the write would
// move the current period of the same subscription backwards. Cancellations win over
// the period guard but not over a deletion.
func (r *Reconciler) apply(ctx context.Context, sub *Subscription, out *Outcome) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	deleted, err := r.storage.IsSubscriptionDeleted(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("check deleted subscription %s: %w", sub.ID, err)
	}
	if deleted {
		out.Stale = true
		return nil
	}

	existing, err := r.storage.GetSubscription(ctx, sub.UserID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return fmt.Errorf("get subscription for user %s: %w", sub.UserID, err)
	}
	if existing != nil &&
		existing.ID == sub.ID &&
		sub.Status != StatusCanceled &&
		sub.CurrentPeriodEnd < existing.CurrentPeriodEnd {
		out.Stale = true
		return nil
	}

	if err := r.storage.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.ID, err)
	}
	out.Applied = true
	out.Subscription = sub
	return nil
}

func (r *Reconciler) fetchSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	var detail *billing.SubscriptionDetail
	operation := func() error {
		d, err := r.api.RetrieveSubscription(ctx, subscriptionID)
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		detail = d
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInitial
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, r.fetchRetries), ctx),
		func(err error, wait time.Duration) {
			r.logger.Warn("retrying subscription fetch",
				Field{Key: "subscription_id", Value: subscriptionID},
				Field{Key: "wait", Value: wait.String()},
				Field{Key: "error", Value: err.Error()},
			)
		})
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve subscription %s: %w", ErrProviderAPI, subscriptionID, err)
	}
	return detail, nil
}

// cancelFreeSubscriptions cancels the customer's other live subscriptions on the free plan.
// Failures are logged only; the paid subscription is already stored.
func (r *Reconciler) cancelFreeSubscriptions(ctx context.Context, e *CheckoutCompleted, keepID string) {
	if r.freePlanID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	subs, err := r.api.ListSubscriptions(ctx, e.CustomerID)
	if err != nil {
		r.logger.Warn("free plan cleanup: list subscriptions failed", append(eventFields(e),
			Field{Key: "error", Value: err.Error()},
		)...)
		return
	}

	for _, s := range subs {
		if s.ID == keepID || s.PlanID != r.freePlanID || IsTerminal(s.Status) {
			continue
		}
		if err := r.api.CancelSubscription(ctx, s.ID); err != nil {
			r.logger.Warn("free plan cleanup: cancel failed", append(eventFields(e),
				Field{Key: "subscription_id", Value: s.ID},
				Field{Key: "error", Value: err.Error()},
			)...)
			continue
		}
		r.logger.Info("free plan subscription canceled", append(eventFields(e),
			Field{Key: "subscription_id", Value: s.ID},
		)...)
	}
}

func subscriptionFromDetail(user *UserRef, d *billing.SubscriptionDetail) *Subscription {
	customerID := d.CustomerID
	if customerID == "" {
		customerID = user.CustomerID
	}
	return &Subscription{
		ID:                 d.ID,
		UserID:             user.ID,
		CustomerID:         customerID,
		PlanID:             d.PlanID,
		PriceID:            d.PriceID,
		Interval:           d.Interval,
		Status:             d.Status,
		CurrentPeriodStart: unixOrZero(d.PeriodStart),
		CurrentPeriodEnd:   unixOrZero(d.PeriodEnd),
		CancelAtPeriodEnd:  d.CancelAtPeriodEnd,
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
