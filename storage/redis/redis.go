// Package redis provides a Redis implementation of the subsync.Storage interface.
// Subscription writes go through Lua scripts so the by-user and by-id keys never
// disagree. The scripts reach keys they derive at run time, so on Redis Cluster
// every key must live in one slot: the key prefix has to carry a hash tag such as
// the default "{subsync}:".
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// DefaultKeyPrefix pins every key to one cluster slot.
const DefaultKeyPrefix = "{subsync}:"

// Storage implements subsync.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "{subsync}:").
	// It must contain a hash tag when the client is a *redis.ClusterClient.
	KeyPrefix string

	// CustomerTTL is the TTL for customer mapping keys (0 = no expiration)
	CustomerTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: DefaultKeyPrefix,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	if _, cluster := client.(*redis.ClusterClient); cluster && hashTag(config.KeyPrefix) == "" {
		return nil, fmt.Errorf("key prefix %q has no hash tag; cluster scripts would cross slots", config.KeyPrefix)
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// subscriptionRecord is the JSON stored under the by-user key.
type subscriptionRecord struct {
	ID                 string `json:"id"`
	UserID             string `json:"user_id"`
	CustomerID         string `json:"customer_id"`
	PlanID             string `json:"plan_id"`
	PriceID            string `json:"price_id"`
	Interval           string `json:"interval"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	UpdatedAt          int64  `json:"updated_at"`
}

type userRecord struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
}

// loadScripts compiles the Lua scripts used for atomic subscription writes
func (s *Storage) loadScripts() {
	// KEYS[1] user key, KEYS[2] id key; ARGV[1] record, ARGV[2] user id,
	// ARGV[3] id key prefix, ARGV[4] user key prefix
	s.scripts["upsert"] = redis.NewScript(`
		local userKey = KEYS[1]
		local idKey = KEYS[2]
		local data = ARGV[1]
		local userID = ARGV[2]
		local idPrefix = ARGV[3]
		local userPrefix = ARGV[4]

		local cjson = cjson or require('cjson')

		-- drop the id index of the row being replaced
		local old = redis.call('GET', userKey)
		if old then
			local ok, rec = pcall(cjson.decode, old)
			if ok and rec and rec.id and (idPrefix .. rec.id) ~= idKey then
				redis.call('DEL', idPrefix .. rec.id)
			end
		end

		-- the id may have belonged to another user's row
		local owner = redis.call('GET', idKey)
		if owner and owner ~= userID then
			redis.call('DEL', userPrefix .. owner)
		end

		redis.call('SET', userKey, data)
		redis.call('SET', idKey, userID)
		return 'ok'
	`)

	// KEYS[1] id key, KEYS[2] deleted marker; ARGV[1] user key prefix
	s.scripts["delete"] = redis.NewScript(`
		local idKey = KEYS[1]
		local deletedKey = KEYS[2]
		local userPrefix = ARGV[1]

		redis.call('SET', deletedKey, '1')
		local owner = redis.call('GET', idKey)
		if not owner then
			return 0
		end
		redis.call('DEL', userPrefix .. owner)
		redis.call('DEL', idKey)
		return 1
	`)
}

// SaveUser maps a billing customer to a local user.
func (s *Storage) SaveUser(ctx context.Context, user subsync.UserRef) error {
	data, err := json.Marshal(userRecord{ID: user.ID, CustomerID: user.CustomerID, Email: user.Email})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.client.Set(ctx, s.customerKey(user.CustomerID), data, s.config.CustomerTTL).Err(); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// FindUserByCustomerID implements subsync.Storage
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*subsync.UserRef, error) {
	data, err := s.client.Get(ctx, s.customerKey(customerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	var rec userRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &subsync.UserRef{ID: rec.ID, CustomerID: rec.CustomerID, Email: rec.Email}, nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subsync.Subscription, error) {
	data, err := s.client.Get(ctx, s.userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var rec subscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &subsync.Subscription{
		ID:                 rec.ID,
		UserID:             rec.UserID,
		CustomerID:         rec.CustomerID,
		PlanID:             rec.PlanID,
		PriceID:            rec.PriceID,
		Interval:           rec.Interval,
		Status:             rec.Status,
		CurrentPeriodStart: rec.CurrentPeriodStart,
		CurrentPeriodEnd:   rec.CurrentPeriodEnd,
		CancelAtPeriodEnd:  rec.CancelAtPeriodEnd,
	}, nil
}

// GetSubscriptionByID implements subsync.Storage
func (s *Storage) GetSubscriptionByID(ctx context.Context, subscriptionID string) (*subsync.Subscription, error) {
	userID, err := s.client.Get(ctx, s.idKey(subscriptionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ID != subscriptionID {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return sub, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(subscriptionRecord{
		ID:                 sub.ID,
		UserID:             sub.UserID,
		CustomerID:         sub.CustomerID,
		PlanID:             sub.PlanID,
		PriceID:            sub.PriceID,
		Interval:           sub.Interval,
		Status:             sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		UpdatedAt:          time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	err = s.scripts["upsert"].Run(ctx, s.client,
		[]string{s.userKey(sub.UserID), s.idKey(sub.ID)},
		string(data), sub.UserID, s.idKey(""), s.userKey(""),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// DeleteSubscriptionByID implements subsync.Storage
func (s *Storage) DeleteSubscriptionByID(ctx context.Context, subscriptionID string) error {
	err := s.scripts["delete"].Run(ctx, s.client,
		[]string{s.idKey(subscriptionID), s.deletedKey(subscriptionID)},
		s.userKey(""),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// IsSubscriptionDeleted implements subsync.Storage
func (s *Storage) IsSubscriptionDeleted(ctx context.Context, subscriptionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.deletedKey(subscriptionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check deleted subscription: %w", err)
	}
	return n > 0, nil
}

// ClaimNotification implements subsync.Storage
func (s *Storage) ClaimNotification(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.claimKey(key), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	return ok, nil
}

func (s *Storage) customerKey(customerID string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerID)
}

func (s *Storage) userKey(userID string) string {
	return fmt.Sprintf("%ssub:user:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) idKey(subscriptionID string) string {
	return fmt.Sprintf("%ssub:id:%s", s.config.KeyPrefix, subscriptionID)
}

func (s *Storage) deletedKey(subscriptionID string) string {
	return fmt.Sprintf("%ssub:deleted:%s", s.config.KeyPrefix, subscriptionID)
}

func (s *Storage) claimKey(key string) string {
	return fmt.Sprintf("%sclaim:%s", s.config.KeyPrefix, key)
}

// hashTag returns the part of key Redis Cluster hashes on, or "" when the whole key
// is hashed.
func hashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return ""
	}
	return key[start+1 : start+1+end]
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
