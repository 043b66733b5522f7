package subsync

import (
	"context"
	"time"
)

// EventKind identifies which variant of Event a value is.
type EventKind string

const (
	KindCheckoutCompleted   EventKind = "checkout_completed"
	KindSubscriptionUpdated EventKind = "subscription_updated"
	KindSubscriptionDeleted EventKind = "subscription_deleted"
	KindIgnored             EventKind = "ignored"
)

// EventMeta carries the provider envelope shared by every event.
type EventMeta struct {
	// ID is the provider event id (evt_...)
	ID string

	// Type is the raw provider event type (e.g. "checkout.session.completed")
	Type string

	// Created is when the provider emitted the event
	Created time.Time
}

// Event is a decoded, verified billing event. The set of variants is closed:
// CheckoutCompleted, SubscriptionUpdated, SubscriptionDeleted and Ignored.
// Consumers dispatch on it with Visit.
type Event interface {
	Kind() EventKind
	Metadata() EventMeta

	// Customer returns the provider customer id, or "" when the event carries none.
	Customer() string

	accept(ctx context.Context, v EventVisitor) error
}

// EventVisitor handles each Event variant. Adding a variant adds a method here.
type EventVisitor interface {
	VisitCheckoutCompleted(ctx context.Context, e *CheckoutCompleted) error
	VisitSubscriptionUpdated(ctx context.Context, e *SubscriptionUpdated) error
	VisitSubscriptionDeleted(ctx context.Context, e *SubscriptionDeleted) error
	VisitIgnored(ctx context.Context, e *Ignored) error
}

// Visit dispatches e to the matching method of v.
func Visit(ctx context.Context, e Event, v EventVisitor) error {
	return e.accept(ctx, v)
}

// ImpliesPurchase reports whether a failure to apply e should be reported to the customer.
func ImpliesPurchase(e Event) bool {
	switch e.Kind() {
	case KindCheckoutCompleted, KindSubscriptionUpdated:
		return true
	default:
		return false
	}
}

// CheckoutCompleted is emitted when a customer completes a subscription checkout session.
type CheckoutCompleted struct {
	Meta           EventMeta
	SessionID      string `validate:"required"`
	CustomerID     string `validate:"required"`
	SubscriptionID string `validate:"required"`
}

func (e *CheckoutCompleted) Kind() EventKind     { return KindCheckoutCompleted }
func (e *CheckoutCompleted) Metadata() EventMeta { return e.Meta }
func (e *CheckoutCompleted) Customer() string    { return e.CustomerID }

func (e *CheckoutCompleted) accept(ctx context.Context, v EventVisitor) error {
	return v.VisitCheckoutCompleted(ctx, e)
}

// SubscriptionUpdated carries the full subscription state as reported by the provider.
type SubscriptionUpdated struct {
	Meta              EventMeta
	ID                string `validate:"required"`
	CustomerID        string `validate:"required"`
	PlanID            string `validate:"required"`
	PriceID           string `validate:"required"`
	Interval          string `validate:"required,oneof=day week month year"`
	Status            string `validate:"required"`
	PeriodStart       int64  `validate:"gt=0"`
	PeriodEnd         int64  `validate:"gtfield=PeriodStart"`
	CancelAtPeriodEnd bool
}

func (e *SubscriptionUpdated) Kind() EventKind     { return KindSubscriptionUpdated }
func (e *SubscriptionUpdated) Metadata() EventMeta { return e.Meta }
func (e *SubscriptionUpdated) Customer() string    { return e.CustomerID }

func (e *SubscriptionUpdated) accept(ctx context.Context, v EventVisitor) error {
	return v.VisitSubscriptionUpdated(ctx, e)
}

// SubscriptionDeleted is emitted when a subscription ends.
type SubscriptionDeleted struct {
	Meta       EventMeta
	ID         string `validate:"required"`
	CustomerID string
}

func (e *SubscriptionDeleted) Kind() EventKind     { return KindSubscriptionDeleted }
func (e *SubscriptionDeleted) Metadata() EventMeta { return e.Meta }
func (e *SubscriptionDeleted) Customer() string    { return e.CustomerID }

func (e *SubscriptionDeleted) accept(ctx context.Context, v EventVisitor) error {
	return v.VisitSubscriptionDeleted(ctx, e)
}

// Ignored stands for any event type the pipeline does not handle.
type Ignored struct {
	Meta EventMeta
}

func (e *Ignored) Kind() EventKind     { return KindIgnored }
func (e *Ignored) Metadata() EventMeta { return e.Meta }
func (e *Ignored) Customer() string    { return "" }

func (e *Ignored) accept(ctx context.Context, v EventVisitor) error {
	return v.VisitIgnored(ctx, e)
}
