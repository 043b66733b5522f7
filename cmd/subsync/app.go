package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/notify"
	"github.com/mihaimyh/subsync/pkg/subsync"
	zerologadapter "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
	prommetrics "github.com/mihaimyh/subsync/pkg/subsync/metrics/prometheus"
	"github.com/mihaimyh/subsync/storage/firestore"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	"github.com/mihaimyh/subsync/storage/redis"
)

// app holds the wired pipeline shared by every command.
type app struct {
	cfg      *config.Config
	zlog     zerolog.Logger
	logger   subsync.Logger
	registry *prometheus.Registry
	metrics  subsync.Metrics

	backend    subsync.Storage
	storage    subsync.Storage
	provider   *stripe.Provider
	reconciler *subsync.Reconciler
	dispatcher *subsync.Dispatcher

	closers []func() error
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(config.Options{File: flags.configFile, EnvFile: flags.envFile})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Log.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "subsync").Logger()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.zlog = newLogger(cfg, os.Stdout)
	a.logger = zerologadapter.NewLogger(&a.zlog)
	a.metrics = prommetrics.NewMetrics(a.registry, cfg.Metrics.Namespace)

	backend, err := a.openStorage(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.backend = backend
	breaker := subsync.NewDefaultCircuitBreaker(cfg.CircuitBreaker.Threshold, cfg.CircuitBreaker.ResetTimeout,
		func(state subsync.CircuitBreakerState) {
			a.metrics.RecordCircuitBreakerStateChange(string(state))
			a.logger.Warn("storage circuit breaker changed state", subsync.Field{Key: "state", Value: string(state)})
		})
	a.storage = subsync.NewCircuitBreakerStorage(backend, breaker)

	a.provider, err = stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			PlanMapping:        cfg.Plans,
			WebhookSecret:      cfg.Stripe.WebhookSecret,
			SignatureTolerance: cfg.Stripe.Tolerance,
			APIKey:             cfg.Stripe.APIKey,
		},
		Metrics:        a.metrics,
		RequestTimeout: cfg.Reconcile.FetchTimeout,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.reconciler, err = subsync.NewReconciler(subsync.ReconcilerConfig{
		Storage:      a.storage,
		API:          a.provider.Client,
		FreePlanID:   cfg.Reconcile.FreePlanID,
		FetchTimeout: cfg.Reconcile.FetchTimeout,
		FetchRetries: cfg.Reconcile.FetchRetries,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	notifier, err := a.newNotifier()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.dispatcher, err = subsync.NewDispatcher(subsync.DispatcherConfig{
		Notifier: notifier,
		Ledger:   a.storage,
		Contacts: a.provider.Client,
		Timeout:  cfg.Notify.Timeout,
		ClaimTTL: cfg.Notify.ClaimTTL,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context) (subsync.Storage, error) {
	cfg := a.cfg
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		a.logger.Warn("using in-memory storage; state is lost on restart")
		return memory.New(), nil

	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Postgres.DSN
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s, err := redis.New(client, redis.Config{KeyPrefix: cfg.Redis.KeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("open redis storage: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return s, nil

	case config.DriverFirestore:
		client, err := gfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("open firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return nil, fmt.Errorf("open firestore storage: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func (a *app) newNotifier() (subsync.Notifier, error) {
	notifiers := notify.Multi{notify.NewLogNotifier(a.logger)}
	if len(a.cfg.Kafka.Brokers) > 0 {
		k, err := notify.NewKafkaNotifier(notify.KafkaConfig{
			Brokers: a.cfg.Kafka.Brokers,
			Topic:   a.cfg.Kafka.Topic,
			Logger:  a.logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, k.Close)
		notifiers = append(notifiers, k)
	}
	return notifiers, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the storage backend when it supports it.
func (a *app) Ping(ctx context.Context) error {
	if p, ok := a.backend.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %w", subsync.ErrStorageUnavailable, err)
		}
	}
	return nil
}

// Close releases storage and notifier connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
