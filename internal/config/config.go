// Package config loads the subsync server configuration from an optional YAML file,
// a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

// EnvPrefix is prepended to every environment variable (SUBSYNC_HTTP_ADDR, ...).
const EnvPrefix = "SUBSYNC"

// Config is the full server configuration.
type Config struct {
	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Metrics struct {
		Addr      string `mapstructure:"addr"`
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"metrics"`

	Stripe struct {
		APIKey        string        `mapstructure:"api_key"`
		WebhookSecret string        `mapstructure:"webhook_secret"`
		Tolerance     time.Duration `mapstructure:"tolerance"`
	} `mapstructure:"stripe"`

	// Plans maps provider price or product ids to local plan ids.
	Plans map[string]string `mapstructure:"plans"`

	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`

	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`

	Redis struct {
		Addr      string `mapstructure:"addr"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`

	Firestore struct {
		ProjectID string `mapstructure:"project_id"`
	} `mapstructure:"firestore"`

	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	Reconcile struct {
		FreePlanID   string        `mapstructure:"free_plan_id"`
		FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
		FetchRetries uint64        `mapstructure:"fetch_retries"`
	} `mapstructure:"reconcile"`

	Notify struct {
		Timeout  time.Duration `mapstructure:"timeout"`
		ClaimTTL time.Duration `mapstructure:"claim_ttl"`
	} `mapstructure:"notify"`

	CircuitBreaker struct {
		Threshold    int           `mapstructure:"threshold"`
		ResetTimeout time.Duration `mapstructure:"reset_timeout"`
	} `mapstructure:"circuit_breaker"`

	RateLimit struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"ratelimit"`

	API struct {
		// UserHeader carries the authenticated user id set by the upstream gateway.
		UserHeader string `mapstructure:"user_header"`

		// AdminToken enables the resync endpoint when set.
		AdminToken string `mapstructure:"admin_token"`
	} `mapstructure:"api"`

	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
}

// Options controls where Load looks.
type Options struct {
	// File is an optional YAML config file. A missing file is an error only when set.
	File string

	// EnvFile is loaded into the process environment if present. Default ".env".
	EnvFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.namespace", "subsync")
	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.tolerance", 5*time.Minute)
	v.SetDefault("plans", map[string]string{})
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "{subsync}:")
	v.SetDefault("firestore.project_id", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "billing.notifications")
	v.SetDefault("reconcile.free_plan_id", "")
	v.SetDefault("reconcile.fetch_timeout", 10*time.Second)
	v.SetDefault("reconcile.fetch_retries", 3)
	v.SetDefault("notify.timeout", 5*time.Second)
	v.SetDefault("notify.claim_ttl", 30*24*time.Hour)
	v.SetDefault("circuit_breaker.threshold", 5)
	v.SetDefault("circuit_breaker.reset_timeout", 30*time.Second)
	v.SetDefault("ratelimit.rps", 50)
	v.SetDefault("ratelimit.burst", 100)
	v.SetDefault("api.user_header", "X-User-ID")
	v.SetDefault("api.admin_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration. Environment variables override the file; the Stripe
// secrets are also read from their conventional names STRIPE_API_KEY and
// STRIPE_WEBHOOK_SECRET.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("stripe.api_key", EnvPrefix+"_STRIPE_API_KEY", "STRIPE_API_KEY")
	_ = v.BindEnv("stripe.webhook_secret", EnvPrefix+"_STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SECRET")

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", opts.File, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Stripe.APIKey) == "" {
		errs = append(errs, errors.New("stripe.api_key is required"))
	}
	if strings.TrimSpace(c.Stripe.WebhookSecret) == "" {
		errs = append(errs, errors.New("stripe.webhook_secret is required"))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for the postgres driver"))
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis driver"))
		}
	case DriverFirestore:
		if c.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("firestore.project_id is required for the firestore driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("ratelimit.rps and ratelimit.burst must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
