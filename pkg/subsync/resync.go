package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// ResyncEventType is the EventMeta.Type of events synthesized by Resync.
const ResyncEventType = "resync"

// Resync pulls a customer's subscriptions from the provider and reconciles the local
// row against the best live one. When the provider has none, the stored row is removed.
// It is the manual repair path for missed or dropped deliveries.
func (r *Reconciler) Resync(ctx context.Context, customerID string) (*Outcome, error) {
	if customerID == "" {
		return &Outcome{Kind: KindSubscriptionUpdated}, errors.New("resync: customer id is required")
	}

	user, err := r.findUser(ctx, customerID)
	if err != nil {
		return &Outcome{Kind: KindSubscriptionUpdated}, reconcileError(KindSubscriptionUpdated, err)
	}

	listCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	subs, err := r.api.ListSubscriptions(listCtx, customerID)
	cancel()
	if err != nil {
		return &Outcome{Kind: KindSubscriptionUpdated, User: user},
			reconcileError(KindSubscriptionUpdated, fmt.Errorf("%w: list subscriptions for %s: %w", ErrProviderAPI, customerID, err))
	}

	meta := EventMeta{
		ID:      ResyncEventType + ":" + customerID,
		Type:    ResyncEventType,
		Created: time.Now().UTC(),
	}

	live := pickLiveSubscription(subs)
	if live == nil {
		existing, err := r.storage.GetSubscription(ctx, user.ID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			r.logger.Info("resync: no live subscriptions", Field{Key: "customer_id", Value: customerID})
			return &Outcome{Kind: KindSubscriptionDeleted, User: user}, nil
		}
		if err != nil {
			return &Outcome{Kind: KindSubscriptionDeleted, User: user},
				reconcileError(KindSubscriptionDeleted, fmt.Errorf("get subscription for user %s: %w", user.ID, err))
		}
		return r.Reconcile(ctx, &SubscriptionDeleted{Meta: meta, ID: existing.ID, CustomerID: customerID})
	}

	customer := live.CustomerID
	if customer == "" {
		customer = customerID
	}
	return r.Reconcile(ctx, &SubscriptionUpdated{
		Meta:              meta,
		ID:                live.ID,
		CustomerID:        customer,
		PlanID:            live.PlanID,
		PriceID:           live.PriceID,
		Interval:          live.Interval,
		Status:            live.Status,
		PeriodStart:       unixOrZero(live.PeriodStart),
		PeriodEnd:         unixOrZero(live.PeriodEnd),
		CancelAtPeriodEnd: live.CancelAtPeriodEnd,
	})
}

// pickLiveSubscription prefers active or trialing subscriptions, then the latest period end.
func pickLiveSubscription(subs []*billing.SubscriptionDetail) *billing.SubscriptionDetail {
	var best *billing.SubscriptionDetail
	for _, s := range subs {
		if s == nil || IsTerminal(s.Status) {
			continue
		}
		if best == nil || resyncRank(s) > resyncRank(best) ||
			(resyncRank(s) == resyncRank(best) && s.PeriodEnd.After(best.PeriodEnd)) {
			best = s
		}
	}
	return best
}

func resyncRank(s *billing.SubscriptionDetail) int {
	switch s.Status {
	case StatusActive, StatusTrialing:
		return 1
	default:
		return 0
	}
}
