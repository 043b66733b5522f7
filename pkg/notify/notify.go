// Package notify provides subsync.Notifier implementations: a log sink, a Kafka
// publisher and a fan-out over several notifiers.
package notify

import (
	"context"
	"errors"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Multi sends every notification to all of its notifiers. Errors are joined;
// one failing notifier does not stop the others.
type Multi []subsync.Notifier

// SendSuccess implements subsync.Notifier.
func (m Multi) SendSuccess(ctx context.Context, n subsync.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.SendSuccess(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendFailure implements subsync.Notifier.
func (m Multi) SendFailure(ctx context.Context, n subsync.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.SendFailure(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to a logger. It is the default sink when no
// transport is configured.
type LogNotifier struct {
	logger subsync.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger discards everything.
func NewLogNotifier(logger subsync.Logger) *LogNotifier {
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	return &LogNotifier{logger: logger}
}

// SendSuccess implements subsync.Notifier.
func (l *LogNotifier) SendSuccess(_ context.Context, n subsync.Notification) error {
	l.logger.Info("purchase confirmed", notificationFields(n)...)
	return nil
}

// SendFailure implements subsync.Notifier.
func (l *LogNotifier) SendFailure(_ context.Context, n subsync.Notification) error {
	l.logger.Warn("purchase could not be applied", append(notificationFields(n),
		subsync.Field{Key: "reason", Value: n.Reason},
	)...)
	return nil
}

func notificationFields(n subsync.Notification) []subsync.Field {
	return []subsync.Field{
		{Key: "kind", Value: n.Kind},
		{Key: "user_id", Value: n.UserID},
		{Key: "customer_id", Value: n.CustomerID},
		{Key: "email", Value: n.Email},
		{Key: "subscription_id", Value: n.SubscriptionID},
		{Key: "plan_id", Value: n.PlanID},
		{Key: "event_id", Value: n.EventID},
	}
}
