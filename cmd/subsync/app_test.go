package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

const testSecret = "whsec_cmd_test"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(config.Options{EnvFile: filepath.Join(t.TempDir(), "none.env")})
	require.NoError(t, err)
	cfg.Stripe.APIKey = "sk_test_cmd"
	cfg.Stripe.WebhookSecret = testSecret
	cfg.Log.Level = "error"
	require.NoError(t, cfg.Validate())
	return cfg
}

func testApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewApp_MemoryDriver(t *testing.T) {
	a := testApp(t)

	assert.NotNil(t, a.reconciler)
	assert.NotNil(t, a.dispatcher)
	assert.Equal(t, "stripe", a.provider.Name())
	assert.NoError(t, a.Ping(context.Background()))
}

func TestNewApp_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "mongo"

	_, err := newApp(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
}

func TestRouter_Health(t *testing.T) {
	router, err := testApp(t).newRouter()
	require.NoError(t, err)

	for _, path := range []string{healthPath, readyPath} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

// unreachableBackend is a memory store whose health check fails.
type unreachableBackend struct {
	*memory.Storage
}

func (unreachableBackend) Ping(context.Context) error {
	return errors.New("dial tcp: connection refused")
}

func TestRouter_ReadyReportsUnavailableStorage(t *testing.T) {
	a := testApp(t)
	a.backend = unreachableBackend{Storage: memory.New()}

	err := a.Ping(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, subsync.ErrStorageUnavailable)

	router, err := a.newRouter()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, readyPath, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, healthPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_WebhookRejectsBadSignature(t *testing.T) {
	router, err := testApp(t).newRouter()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, stripe.WebhookPath, strings.NewReader(`{"id":"evt_1","type":"invoice.paid"}`))
	req.Header.Set(stripe.SignatureHeader, "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_WebhookIgnoredEventIsRecorded(t *testing.T) {
	a := testApp(t)
	router, err := a.newRouter()
	require.NoError(t, err)

	payload := []byte(`{"id":"evt_ignored","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, stripe.WebhookPath, bytes.NewReader(payload))
	req.Header.Set(stripe.SignatureHeader, signed.Header)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	metrics := httptest.NewRecorder()
	a.metricsHandler().ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, metricsPath, nil))
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(),
		`subsync_billing_webhook_events_total{event_type="invoice.paid",state="responded"} 1`)
}

func TestNewLogger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	cfg.Log.Level = "nonsense"
	assert.Equal(t, zerolog.InfoLevel, newLogger(cfg, &buf).GetLevel())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "subsync "+Version+"\n", out.String())
}

func TestResyncCommand_RequiresCustomer(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"resync"})

	require.Error(t, cmd.Execute())
}

func TestDescribeOutcome(t *testing.T) {
	tests := []struct {
		name string
		out  *subsync.Outcome
		want string
	}{
		{
			name: "stale",
			out:  &subsync.Outcome{Kind: subsync.KindSubscriptionUpdated, Stale: true},
			want: "cus_1: stored subscription is newer, nothing changed",
		},
		{
			name: "removed",
			out:  &subsync.Outcome{Kind: subsync.KindSubscriptionDeleted, Applied: true, SubscriptionID: "sub_1"},
			want: "cus_1: no live subscription, removed sub_1",
		},
		{
			name: "nothing stored",
			out:  &subsync.Outcome{Kind: subsync.KindSubscriptionDeleted},
			want: "cus_1: no live subscription",
		},
		{
			name: "applied",
			out: &subsync.Outcome{
				Kind:         subsync.KindSubscriptionUpdated,
				Applied:      true,
				Subscription: &subsync.Subscription{ID: "sub_1", PlanID: "pro", Status: "active"},
			},
			want: "cus_1: sub_1 on plan pro (active)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeOutcome("cus_1", tt.out))
		})
	}
}

func TestRouter_SubscriptionAPI(t *testing.T) {
	a := testApp(t)
	router, err := a.newRouter()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, subscriptionPath, nil)
	req.Header.Set("X-User-ID", "user_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"none"`)
}

func TestRouter_ResyncRequiresAdminToken(t *testing.T) {
	cfg := testConfig(t)
	disabled, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disabled.Close() })

	router, err := disabled.newRouter()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/resync/cus_1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	cfg.API.AdminToken = "token"
	enabled, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = enabled.Close() })

	router, err = enabled.newRouter()
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/resync/cus_1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
