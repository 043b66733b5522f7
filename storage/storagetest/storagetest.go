// Package storagetest holds the behavioral contract every subsync.Storage backend
// must satisfy. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Backend is a Storage that can also seed users.
type Backend interface {
	subsync.Storage
	SaveUser(ctx context.Context, user subsync.UserRef) error
}

// Run executes the contract suite. newStorage is called once per subtest.
// Identifiers are randomized so backends may share a database between runs.
func Run(t *testing.T, newStorage func(t *testing.T) Backend) {
	t.Run("FindUserByCustomerID", func(t *testing.T) { testFindUser(t, newStorage(t)) })
	t.Run("UpsertAndGet", func(t *testing.T) { testUpsertAndGet(t, newStorage(t)) })
	t.Run("UpsertOverwrites", func(t *testing.T) { testUpsertOverwrites(t, newStorage(t)) })
	t.Run("UpsertRejectsPartialFields", func(t *testing.T) { testUpsertRejectsPartial(t, newStorage(t)) })
	t.Run("DeleteByID", func(t *testing.T) { testDeleteByID(t, newStorage(t)) })
	t.Run("DeleteLeavesMarker", func(t *testing.T) { testDeleteLeavesMarker(t, newStorage(t)) })
	t.Run("ClaimNotification", func(t *testing.T) { testClaimNotification(t, newStorage(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStorage(t)) })
}

func id(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

// NewSubscription returns a fully populated active subscription.
func NewSubscription(userID, customerID string) *subsync.Subscription {
	start := time.Now().Truncate(time.Second)
	return &subsync.Subscription{
		ID:                 id("sub"),
		UserID:             userID,
		CustomerID:         customerID,
		PlanID:             "pro",
		PriceID:            "price_pro_monthly",
		Interval:           "month",
		Status:             subsync.StatusActive,
		CurrentPeriodStart: start.Unix(),
		CurrentPeriodEnd:   start.AddDate(0, 1, 0).Unix(),
	}
}

func testFindUser(t *testing.T, s Backend) {
	ctx := context.Background()
	user := subsync.UserRef{ID: id("user"), CustomerID: id("cus"), Email: "a@example.com"}

	_, err := s.FindUserByCustomerID(ctx, user.CustomerID)
	assert.ErrorIs(t, err, subsync.ErrUserNotFound)

	require.NoError(t, s.SaveUser(ctx, user))

	got, err := s.FindUserByCustomerID(ctx, user.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, user, *got)
}

func testUpsertAndGet(t *testing.T, s Backend) {
	ctx := context.Background()
	userID := id("user")

	_, err := s.GetSubscription(ctx, userID)
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	sub := NewSubscription(userID, id("cus"))
	sub.CancelAtPeriodEnd = true
	require.NoError(t, s.UpsertSubscription(ctx, sub))

	got, err := s.GetSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, sub, got)

	got, err = s.GetSubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub, got)

	// replaying the same write leaves the same row
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	got, err = s.GetSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, sub, got)
}

func testUpsertOverwrites(t *testing.T, s Backend) {
	ctx := context.Background()
	userID := id("user")
	first := NewSubscription(userID, id("cus"))
	require.NoError(t, s.UpsertSubscription(ctx, first))

	second := NewSubscription(userID, first.CustomerID)
	second.PlanID = "team"
	second.Status = "past_due"
	require.NoError(t, s.UpsertSubscription(ctx, second))

	got, err := s.GetSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = s.GetSubscriptionByID(ctx, first.ID)
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound, "replaced subscription id must not resolve")
}

func testUpsertRejectsPartial(t *testing.T, s Backend) {
	ctx := context.Background()
	sub := NewSubscription(id("user"), id("cus"))
	sub.PriceID = ""

	err := s.UpsertSubscription(ctx, sub)
	assert.ErrorIs(t, err, subsync.ErrIncompleteSubscription)

	_, err = s.GetSubscription(ctx, sub.UserID)
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
}

func testDeleteByID(t *testing.T, s Backend) {
	ctx := context.Background()
	sub := NewSubscription(id("user"), id("cus"))

	// deleting a missing row is fine
	require.NoError(t, s.DeleteSubscriptionByID(ctx, sub.ID))

	require.NoError(t, s.UpsertSubscription(ctx, sub))
	require.NoError(t, s.DeleteSubscriptionByID(ctx, sub.ID))

	_, err := s.GetSubscription(ctx, sub.UserID)
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
	_, err = s.GetSubscriptionByID(ctx, sub.ID)
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
}

func testDeleteLeavesMarker(t *testing.T, s Backend) {
	ctx := context.Background()
	stored := NewSubscription(id("user"), id("cus"))
	neverStored := id("sub")

	for _, subID := range []string{stored.ID, neverStored} {
		deleted, err := s.IsSubscriptionDeleted(ctx, subID)
		require.NoError(t, err)
		assert.False(t, deleted)
	}

	require.NoError(t, s.UpsertSubscription(ctx, stored))
	require.NoError(t, s.DeleteSubscriptionByID(ctx, stored.ID))
	require.NoError(t, s.DeleteSubscriptionByID(ctx, neverStored))

	for _, subID := range []string{stored.ID, neverStored} {
		deleted, err := s.IsSubscriptionDeleted(ctx, subID)
		require.NoError(t, err)
		assert.True(t, deleted, subID)
	}

	other, err := s.IsSubscriptionDeleted(ctx, id("sub"))
	require.NoError(t, err)
	assert.False(t, other)
}

func testClaimNotification(t *testing.T, s Backend) {
	ctx := context.Background()
	key := subsync.SuccessNotificationKey(id("sub"))

	claimed, err := s.ClaimNotification(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimNotification(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must be rejected")

	other, err := s.ClaimNotification(ctx, subsync.SuccessNotificationKey(id("sub")), time.Hour)
	require.NoError(t, err)
	assert.True(t, other)
}

func testConcurrentClaims(t *testing.T, s Backend) {
	ctx := context.Background()
	key := subsync.SuccessNotificationKey(id("sub"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimNotification(ctx, key, time.Hour)
			if err != nil {
				t.Errorf("ClaimNotification failed: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
