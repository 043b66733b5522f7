package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const (
	defaultNotifyTimeout = 5 * time.Second
	defaultClaimTTL      = 30 * 24 * time.Hour
)

// Notification kinds.
const (
	NotificationSuccess = "success"
	NotificationFailure = "failure"
)

// Notification is what a Notifier delivers to the customer-facing mailer.
type Notification struct {
	Kind           string
	UserID         string
	CustomerID     string
	Email          string
	SubscriptionID string
	PlanID         string
	EventID        string
	EventType      string

	// Reason is set on failure notifications
	Reason string
}

// Notifier sends customer notifications. Implementations should honor ctx.
type Notifier interface {
	SendSuccess(ctx context.Context, n Notification) error
	SendFailure(ctx context.Context, n Notification) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Notifier delivers the messages (required)
	Notifier Notifier

	// Ledger records which success notifications were already claimed. Optional;
	// without it every applied checkout notifies.
	Ledger Storage

	// Contacts resolves an email for customers with no local user. Optional.
	Contacts billing.ContactResolver

	// Timeout bounds each send. Defaults to 5s.
	Timeout time.Duration

	// ClaimTTL is how long a success claim is remembered. Defaults to 30 days.
	ClaimTTL time.Duration

	Logger  Logger
	Metrics Metrics
}

// Dispatcher sends best-effort notifications after reconciliation. It never returns
// errors to the caller; failures are logged and counted.
type Dispatcher struct {
	notifier Notifier
	ledger   Storage
	contacts billing.ContactResolver
	timeout  time.Duration
	claimTTL time.Duration
	logger   Logger
	metrics  Metrics
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Notifier == nil {
		return nil, errors.New("dispatcher: notifier is required")
	}
	d := &Dispatcher{
		notifier: cfg.Notifier,
		ledger:   cfg.Ledger,
		contacts: cfg.Contacts,
		timeout:  cfg.Timeout,
		claimTTL: cfg.ClaimTTL,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if d.timeout <= 0 {
		d.timeout = defaultNotifyTimeout
	}
	if d.claimTTL <= 0 {
		d.claimTTL = defaultClaimTTL
	}
	if d.logger == nil {
		d.logger = &NoopLogger{}
	}
	if d.metrics == nil {
		d.metrics = &NoopMetrics{}
	}
	return d, nil
}

// NotifySuccess sends the purchase confirmation for an applied checkout, at most once
// per subscription while the ledger remembers the claim.
func (d *Dispatcher) NotifySuccess(ctx context.Context, e Event, out *Outcome) {
	if e.Kind() != KindCheckoutCompleted || out == nil || !out.Applied || out.User == nil {
		return
	}

	if d.ledger != nil {
		claimed, err := d.ledger.ClaimNotification(ctx, SuccessNotificationKey(out.SubscriptionID), d.claimTTL)
		switch {
		case err != nil:
			// better a duplicate email than none
			d.logger.Warn("notification ledger unavailable, sending anyway", append(eventFields(e),
				Field{Key: "subscription_id", Value: out.SubscriptionID},
				Field{Key: "error", Value: err.Error()},
			)...)
		case !claimed:
			d.metrics.RecordNotification(NotificationSuccess, "duplicate")
			d.logger.Debug("success notification already sent", append(eventFields(e),
				Field{Key: "subscription_id", Value: out.SubscriptionID},
			)...)
			return
		}
	}

	meta := e.Metadata()
	n := Notification{
		Kind:           NotificationSuccess,
		UserID:         out.User.ID,
		CustomerID:     out.User.CustomerID,
		Email:          out.User.Email,
		SubscriptionID: out.SubscriptionID,
		EventID:        meta.ID,
		EventType:      meta.Type,
	}
	if out.Subscription != nil {
		n.PlanID = out.Subscription.PlanID
	}

	d.send(ctx, e, NotificationSuccess, func(ctx context.Context) error {
		return d.notifier.SendSuccess(ctx, n)
	})
}

// NotifyFailure tells the customer that a purchase could not be applied. Only fatal
// failures of purchase events notify; recoverable ones will be redelivered.
func (d *Dispatcher) NotifyFailure(ctx context.Context, e Event, out *Outcome, cause error) {
	if cause == nil || !IsFatal(cause) || !ImpliesPurchase(e) {
		return
	}

	meta := e.Metadata()
	n := Notification{
		Kind:       NotificationFailure,
		CustomerID: e.Customer(),
		EventID:    meta.ID,
		EventType:  meta.Type,
		Reason:     cause.Error(),
	}
	if out != nil {
		n.SubscriptionID = out.SubscriptionID
		if out.User != nil {
			n.UserID = out.User.ID
			n.Email = out.User.Email
		}
	}

	d.send(ctx, e, NotificationFailure, func(ctx context.Context) error {
		if n.Email == "" && d.contacts != nil && n.CustomerID != "" {
			email, err := d.contacts.CustomerEmail(ctx, n.CustomerID)
			if err != nil {
				d.logger.Warn("could not resolve customer email", append(eventFields(e),
					Field{Key: "error", Value: err.Error()},
				)...)
			}
			n.Email = email
		}
		return d.notifier.SendFailure(ctx, n)
	})
}

func (d *Dispatcher) send(ctx context.Context, e Event, kind string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			d.metrics.RecordNotification(kind, "error")
			d.logger.Error("notification failed", append(eventFields(e),
				Field{Key: "kind", Value: kind},
				Field{Key: "error", Value: fmt.Errorf("%w: %w", ErrNotification, err).Error()},
			)...)
			return
		}
		d.metrics.RecordNotification(kind, "sent")
	case <-ctx.Done():
		d.metrics.RecordNotification(kind, "timeout")
		d.logger.Error("notification timed out", append(eventFields(e),
			Field{Key: "kind", Value: kind},
			Field{Key: "timeout", Value: d.timeout.String()},
		)...)
	}
}
