package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpmiddleware "github.com/mihaimyh/subsync/middleware/http"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	healthPath       = "/healthz"
	readyPath        = "/readyz"
	metricsPath      = "/metrics"
	subscriptionPath = "/api/subscription"
	resyncPath       = "/admin/resync/{customer_id}"
	readyTimeout     = 2 * time.Second
)

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.logger.Error("failed to close resources", subsync.Field{Key: "error", Value: err})
				}
			}()
			return a.serve(ctx)
		},
	}
}

// newRouter builds the public HTTP surface: the webhook endpoint, the subscription
// API and health checks.
func (a *app) newRouter() (http.Handler, error) {
	webhook, err := stripe.NewWebhookHandler(stripe.WebhookConfig{
		Verifier:       a.provider.Verifier,
		Decoder:        a.provider.Decoder,
		Reconciler:     a.reconciler,
		Dispatcher:     a.dispatcher,
		RateLimitRPS:   a.cfg.RateLimit.RPS,
		RateLimitBurst: a.cfg.RateLimit.Burst,
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, err
	}

	apiConfig := api.Config{
		Storage:    a.storage,
		GetUserID:  api.FromHeader(a.cfg.API.UserHeader),
		FreePlanID: a.cfg.Reconcile.FreePlanID,
		Logger:     a.logger,
	}
	if a.cfg.API.AdminToken != "" {
		apiConfig.Resyncer = a.reconciler
		apiConfig.AdminToken = a.cfg.API.AdminToken
		apiConfig.GetCustomerID = func(r *http.Request) string { return chi.URLParam(r, "customer_id") }
	}
	subscriptions, err := api.NewHandler(apiConfig)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(httpmiddleware.AccessLog(httpmiddleware.Config{
		Logger:    a.logger,
		SkipPaths: []string{healthPath, readyPath},
	}))
	r.Use(chimiddleware.Recoverer)

	r.Method(http.MethodPost, stripe.WebhookPath, webhook.Handler())
	r.Get(subscriptionPath, subscriptions.GetSubscription)
	if apiConfig.Resyncer != nil {
		r.Post(resyncPath, subscriptions.Resync)
	}
	r.Get(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get(readyPath, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := a.Ping(ctx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return r, nil
}

func (a *app) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	return mux
}

// serve runs the webhook and metrics listeners until ctx is canceled, then drains
// in-flight requests for up to http.shutdown_timeout.
func (a *app) serve(ctx context.Context) error {
	router, err := a.newRouter()
	if err != nil {
		return err
	}

	servers := []*http.Server{
		{Addr: a.cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second},
	}
	if a.cfg.Metrics.Addr != "" {
		servers = append(servers, &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           a.metricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			a.logger.Info("listening", subsync.Field{Key: "addr", Value: srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
