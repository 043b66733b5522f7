package subsync

import (
	"errors"
	"fmt"

	"github.com/mihaimyh/subsync/pkg/billing"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails signature or timestamp checks
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedEvent is returned when a recognized event type has an invalid shape
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownCustomer is returned when an event references a customer with no local user
	ErrUnknownCustomer = errors.New("unknown customer")

	// ErrProviderAPI is returned when calling the billing provider fails during reconciliation
	ErrProviderAPI = billing.ErrProviderAPI

	// ErrNotification is recorded when a notification could not be sent
	ErrNotification = errors.New("notification failed")

	// ErrUserNotFound is returned by Storage when no user maps to a customer
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionNotFound is returned by Storage when no subscription row matches
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrIncompleteSubscription is returned when a subscription would be persisted with a partial field set
	ErrIncompleteSubscription = errors.New("incomplete subscription")

	// ErrStorageUnavailable is returned when the storage backend cannot be reached,
	// either because a health check failed or because the circuit breaker is open
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ReconcileError wraps a failure to apply an event. Fatal errors will not resolve on
// retry (e.g. an unknown customer); everything else is treated as recoverable.
type ReconcileError struct {
	Kind  EventKind
	Fatal bool
	Err   error
}

func (e *ReconcileError) Error() string {
	class := "recoverable"
	if e.Fatal {
		class = "fatal"
	}
	return fmt.Sprintf("reconcile %s (%s): %v", e.Kind, class, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a reconcile error that retrying cannot fix.
func IsFatal(err error) bool {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re.Fatal
	}
	return errors.Is(err, ErrUnknownCustomer)
}

func reconcileError(kind EventKind, err error) error {
	if err == nil {
		return nil
	}
	return &ReconcileError{
		Kind:  kind,
		Fatal: errors.Is(err, ErrUnknownCustomer),
		Err:   err,
	}
}
