package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Stripe event types the decoder understands. Everything else decodes to subsync.Ignored.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

// Decoder turns verified Stripe payloads into subsync events.
type Decoder struct {
	plans    *billing.PlanMapping
	validate *validator.Validate
}

// NewDecoder creates a Decoder that resolves plan IDs through plans (may be nil).
func NewDecoder(plans *billing.PlanMapping) *Decoder {
	return &Decoder{
		plans:    plans,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Decode parses payload. Unknown event types are not an error. A recognized type
// whose object is missing fields returns an error wrapping subsync.ErrMalformedEvent.
func (d *Decoder) Decode(payload []byte) (subsync.Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %w", subsync.ErrMalformedEvent, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", subsync.ErrMalformedEvent)
	}

	meta := subsync.EventMeta{
		ID:      evt.ID,
		Type:    string(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
	}

	var (
		e   subsync.Event
		err error
	)
	switch meta.Type {
	case EventCheckoutSessionCompleted:
		e, err = d.decodeCheckout(meta, &evt)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		e, err = d.decodeSubscriptionUpdated(meta, &evt)
	case EventSubscriptionDeleted:
		e, err = d.decodeSubscriptionDeleted(meta, &evt)
	default:
		return &subsync.Ignored{Meta: meta}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", subsync.ErrMalformedEvent, meta.Type, meta.ID, err)
	}
	if _, ignored := e.(*subsync.Ignored); ignored {
		return e, nil
	}
	if err := d.validate.Struct(e); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", subsync.ErrMalformedEvent, meta.Type, meta.ID, err)
	}
	return e, nil
}

func (d *Decoder) decodeCheckout(meta subsync.EventMeta, evt *stripe.Event) (subsync.Event, error) {
	var session stripe.CheckoutSession
	if err := unmarshalObject(evt, &session); err != nil {
		return nil, err
	}

	// one-time payments carry no subscription
	if session.Mode != stripe.CheckoutSessionModeSubscription && session.Subscription == nil {
		return &subsync.Ignored{Meta: meta}, nil
	}

	e := &subsync.CheckoutCompleted{
		Meta:      meta,
		SessionID: session.ID,
	}
	if session.Customer != nil {
		e.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		e.SubscriptionID = session.Subscription.ID
	}
	return e, nil
}

func (d *Decoder) decodeSubscriptionUpdated(meta subsync.EventMeta, evt *stripe.Event) (subsync.Event, error) {
	var sub stripe.Subscription
	if err := unmarshalObject(evt, &sub); err != nil {
		return nil, err
	}

	detail := subscriptionDetail(&sub, d.plans)
	return &subsync.SubscriptionUpdated{
		Meta:              meta,
		ID:                detail.ID,
		CustomerID:        detail.CustomerID,
		PlanID:            detail.PlanID,
		PriceID:           detail.PriceID,
		Interval:          detail.Interval,
		Status:            detail.Status,
		PeriodStart:       unix(detail.PeriodStart),
		PeriodEnd:         unix(detail.PeriodEnd),
		CancelAtPeriodEnd: detail.CancelAtPeriodEnd,
	}, nil
}

func (d *Decoder) decodeSubscriptionDeleted(meta subsync.EventMeta, evt *stripe.Event) (subsync.Event, error) {
	var sub stripe.Subscription
	if err := unmarshalObject(evt, &sub); err != nil {
		return nil, err
	}

	e := &subsync.SubscriptionDeleted{Meta: meta, ID: sub.ID}
	if sub.Customer != nil {
		e.CustomerID = sub.Customer.ID
	}
	return e, nil
}

func unmarshalObject(evt *stripe.Event, v interface{}) error {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return fmt.Errorf("event has no data object")
	}
	return json.Unmarshal(evt.Data.Raw, v)
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
