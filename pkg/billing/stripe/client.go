package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	endpointRetrieveSubscription = "subscriptions.retrieve"
	endpointCancelSubscription   = "subscriptions.cancel"
	endpointListSubscriptions    = "subscriptions.list"
	endpointRetrieveCustomer     = "customers.retrieve"
)

// DefaultRequestTimeout bounds a shared subscription fetch.
const DefaultRequestTimeout = 30 * time.Second

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// Metrics is optional; provider API calls are recorded through it.
	Metrics subsync.Metrics

	// RequestTimeout bounds a subscription fetch shared by concurrent callers.
	// Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Client implements billing.API and billing.ContactResolver against the Stripe API.
type Client struct {
	retrieve func(ctx context.Context, id string) (*stripe.Subscription, error)
	cancel   func(ctx context.Context, id string) error
	list     func(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	customer func(ctx context.Context, id string) (*stripe.Customer, error)

	plans   *billing.PlanMapping
	group   singleflight.Group
	metrics subsync.Metrics
	timeout time.Duration
}

// NewClient creates a Stripe API client.
func NewClient(config Config) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe API key is required", billing.ErrProviderNotConfigured)
	}
	sc := stripe.NewClient(apiKey)

	c := newClient(config)
	c.retrieve = func(ctx context.Context, id string) (*stripe.Subscription, error) {
		return sc.V1Subscriptions.Retrieve(ctx, id, nil)
	}
	c.cancel = func(ctx context.Context, id string) error {
		_, err := sc.V1Subscriptions.Cancel(ctx, id, nil)
		return err
	}
	c.list = func(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
		params := &stripe.SubscriptionListParams{}
		params.Customer = stripe.String(customerID)

		var subs []*stripe.Subscription
		for sub, err := range sc.V1Subscriptions.List(ctx, params) {
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		return subs, nil
	}
	c.customer = func(ctx context.Context, id string) (*stripe.Customer, error) {
		return sc.V1Customers.Retrieve(ctx, id, nil)
	}
	return c, nil
}

func newClient(config Config) *Client {
	metrics := config.Metrics
	if metrics == nil {
		metrics = &subsync.NoopMetrics{}
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		plans:   billing.NewPlanMapping(config.PlanMapping),
		metrics: metrics,
		timeout: timeout,
	}
}

// RetrieveSubscription implements billing.API. Concurrent calls for the same id
// share a single request. The shared request is detached from any one caller's
// cancellation and bounded by the client timeout; each caller still returns as
// soon as its own ctx is done.
func (c *Client) RetrieveSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionDetail, error) {
	ch := c.group.DoChan(subscriptionID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		var sub *stripe.Subscription
		err := c.call(endpointRetrieveSubscription, func() error {
			var e error
			sub, e = c.retrieve(fetchCtx, subscriptionID)
			return e
		})
		if err != nil {
			return nil, wrapAPIError(err, billing.ErrSubscriptionNotFound, subscriptionID)
		}
		return subscriptionDetail(sub, c.plans), nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", billing.ErrProviderAPI, subscriptionID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		detail := *res.Val.(*billing.SubscriptionDetail)
		return &detail, nil
	}
}

// CancelSubscription implements billing.API.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	err := c.call(endpointCancelSubscription, func() error {
		return c.cancel(ctx, subscriptionID)
	})
	if err != nil {
		return wrapAPIError(err, billing.ErrSubscriptionNotFound, subscriptionID)
	}
	return nil
}

// ListSubscriptions implements billing.API.
func (c *Client) ListSubscriptions(ctx context.Context, customerID string) ([]*billing.SubscriptionDetail, error) {
	var subs []*stripe.Subscription
	err := c.call(endpointListSubscriptions, func() error {
		var e error
		subs, e = c.list(ctx, customerID)
		return e
	})
	if err != nil {
		return nil, wrapAPIError(err, billing.ErrCustomerNotFound, customerID)
	}

	details := make([]*billing.SubscriptionDetail, 0, len(subs))
	for _, sub := range subs {
		details = append(details, subscriptionDetail(sub, c.plans))
	}
	return details, nil
}

// CustomerEmail implements billing.ContactResolver.
func (c *Client) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	var cust *stripe.Customer
	err := c.call(endpointRetrieveCustomer, func() error {
		var e error
		cust, e = c.customer(ctx, customerID)
		return e
	})
	if err != nil {
		return "", wrapAPIError(err, billing.ErrCustomerNotFound, customerID)
	}
	if cust.Deleted {
		return "", fmt.Errorf("%w: %s is deleted", billing.ErrCustomerNotFound, customerID)
	}
	return cust.Email, nil
}

func (c *Client) call(endpoint string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.metrics.RecordAPICallDuration(endpoint, time.Since(start))
	c.metrics.RecordAPICall(endpoint, apiStatus(err))
	return err
}

func apiStatus(err error) string {
	if err == nil {
		return "200"
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode != 0 {
		return fmt.Sprintf("%d", se.HTTPStatusCode)
	}
	return "error"
}

// wrapAPIError classifies a Stripe error. A 404 also wraps notFound.
func wrapAPIError(err, notFound error, id string) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w: %s", billing.ErrProviderAPI, notFound, id)
	}
	return fmt.Errorf("%w: %s: %w", billing.ErrProviderAPI, id, err)
}

// subscriptionDetail flattens a Stripe subscription. Price and period come from the
// first subscription item.
func subscriptionDetail(sub *stripe.Subscription, plans *billing.PlanMapping) *billing.SubscriptionDetail {
	d := &billing.SubscriptionDetail{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		d.CustomerID = sub.Customer.ID
	}

	item := firstItem(sub)
	if item == nil {
		return d
	}
	if item.CurrentPeriodStart != 0 {
		d.PeriodStart = time.Unix(item.CurrentPeriodStart, 0)
	}
	if item.CurrentPeriodEnd != 0 {
		d.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
	}
	if item.Price != nil {
		d.PriceID = item.Price.ID
		productID := ""
		if item.Price.Product != nil {
			productID = item.Price.Product.ID
		}
		d.PlanID = plans.Resolve(item.Price.ID, productID)
		if item.Price.Recurring != nil {
			d.Interval = string(item.Price.Recurring.Interval)
		}
	}
	return d
}

func firstItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return sub.Items.Data[0]
}
