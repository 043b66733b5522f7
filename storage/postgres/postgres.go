// Package postgres provides a PostgreSQL implementation of the subsync.Storage interface.
// Subscriptions are keyed by user; an upsert runs in one transaction so a subscription
// id moving to another user never leaves two rows behind.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Storage implements subsync.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies the embedded schema migrations on startup
	Migrate bool

	// CleanupEnabled periodically deletes expired notification claims
	CleanupEnabled  bool
	CleanupInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.Migrate {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.stopCleanup = cancel
	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

func (s *Storage) migrate(ctx context.Context) error {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveUser maps a billing customer to a local user.
func (s *Storage) SaveUser(ctx context.Context, user subsync.UserRef) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO billing_customers (customer_id, user_id, email)
VALUES ($1, $2, $3)
ON CONFLICT (customer_id) DO UPDATE SET
  user_id = EXCLUDED.user_id,
  email = EXCLUDED.email,
  updated_at = NOW()`,
		user.CustomerID, user.ID, user.Email)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// FindUserByCustomerID implements subsync.Storage
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*subsync.UserRef, error) {
	var user subsync.UserRef
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, customer_id, email FROM billing_customers WHERE customer_id = $1`,
		customerID).Scan(&user.ID, &user.CustomerID, &user.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

const selectSubscription = `
SELECT subscription_id, user_id, customer_id, plan_id, price_id, billing_interval, status,
       current_period_start, current_period_end, cancel_at_period_end
FROM subscriptions`

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subsync.Subscription, error) {
	return s.scanSubscription(s.pool.QueryRow(ctx, selectSubscription+` WHERE user_id = $1`, userID))
}

// GetSubscriptionByID implements subsync.Storage
func (s *Storage) GetSubscriptionByID(ctx context.Context, subscriptionID string) (*subsync.Subscription, error) {
	return s.scanSubscription(s.pool.QueryRow(ctx, selectSubscription+` WHERE subscription_id = $1`, subscriptionID))
}

func (s *Storage) scanSubscription(row pgx.Row) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.CustomerID, &sub.PlanID, &sub.PriceID, &sub.Interval, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// the id may have belonged to another user's row
	if _, err := tx.Exec(ctx,
		`DELETE FROM subscriptions WHERE subscription_id = $1 AND user_id <> $2`,
		sub.ID, sub.UserID); err != nil {
		return fmt.Errorf("failed to release subscription id: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO subscriptions (
  user_id, subscription_id, customer_id, plan_id, price_id, billing_interval, status,
  current_period_start, current_period_end, cancel_at_period_end, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (user_id) DO UPDATE SET
  subscription_id = EXCLUDED.subscription_id,
  customer_id = EXCLUDED.customer_id,
  plan_id = EXCLUDED.plan_id,
  price_id = EXCLUDED.price_id,
  billing_interval = EXCLUDED.billing_interval,
  status = EXCLUDED.status,
  current_period_start = EXCLUDED.current_period_start,
  current_period_end = EXCLUDED.current_period_end,
  cancel_at_period_end = EXCLUDED.cancel_at_period_end,
  updated_at = NOW()`,
		sub.UserID, sub.ID, sub.CustomerID, sub.PlanID, sub.PriceID, sub.Interval, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteSubscriptionByID implements subsync.Storage
func (s *Storage) DeleteSubscriptionByID(ctx context.Context, subscriptionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM subscriptions WHERE subscription_id = $1`, subscriptionID); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO deleted_subscriptions (subscription_id) VALUES ($1)
ON CONFLICT (subscription_id) DO NOTHING`, subscriptionID); err != nil {
		return fmt.Errorf("failed to record deleted subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsSubscriptionDeleted implements subsync.Storage
func (s *Storage) IsSubscriptionDeleted(ctx context.Context, subscriptionID string) (bool, error) {
	var deleted bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deleted_subscriptions WHERE subscription_id = $1)`,
		subscriptionID).Scan(&deleted)
	if err != nil {
		return false, fmt.Errorf("failed to check deleted subscription: %w", err)
	}
	return deleted, nil
}

// ClaimNotification implements subsync.Storage. An expired claim can be taken again.
func (s *Storage) ClaimNotification(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	var claimed string
	err := s.pool.QueryRow(ctx, `
INSERT INTO notification_claims (claim_key, expires_at)
VALUES ($1, $2)
ON CONFLICT (claim_key) DO UPDATE SET expires_at = EXCLUDED.expires_at
WHERE notification_claims.expires_at < $3
RETURNING claim_key`,
		key, now.Add(ttl), now).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	return true, nil
}

// startCleanup runs periodic cleanup of expired claims
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Cleanup(ctx) // retried on the next tick
		}
	}
}

// Cleanup deletes expired notification claims.
func (s *Storage) Cleanup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM notification_claims WHERE expires_at < $1`, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to cleanup notification claims: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
