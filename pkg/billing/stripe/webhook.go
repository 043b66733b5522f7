package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	// WebhookPath is where the provider delivers events.
	WebhookPath = "/api/webhook"

	defaultMaxBodyBytes   = 256 * 1024
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	unknownEventType      = "unknown"
)

// WebhookState is the stage a delivery reached. The last state of every request is
// logged and recorded.
type WebhookState string

const (
	StateReceived          WebhookState = "received"
	StateVerified          WebhookState = "verified"
	StateDecoded           WebhookState = "decoded"
	StateReconciled        WebhookState = "reconciled"
	StateNotified          WebhookState = "notified"
	StateResponded         WebhookState = "responded"
	StateRejectedBody      WebhookState = "rejected_body"
	StateRejectedSignature WebhookState = "rejected_signature"
	StateRejectedDecode    WebhookState = "rejected_decode"
	StateReconcileFailed   WebhookState = "reconcile_failed"
)

// Reconciler applies decoded events to local state.
type Reconciler interface {
	Reconcile(ctx context.Context, e subsync.Event) (*subsync.Outcome, error)
}

// Dispatcher sends best-effort notifications after reconciliation.
type Dispatcher interface {
	NotifySuccess(ctx context.Context, e subsync.Event, out *subsync.Outcome)
	NotifyFailure(ctx context.Context, e subsync.Event, out *subsync.Outcome, cause error)
}

// WebhookConfig wires the webhook endpoint.
type WebhookConfig struct {
	Verifier   *Verifier  // required
	Decoder    *Decoder   // required
	Reconciler Reconciler // required

	// Dispatcher is optional; without it no notifications are sent.
	Dispatcher Dispatcher

	// MaxBodyBytes caps the request body. Defaults to 256KB.
	MaxBodyBytes int64

	// RateLimitRPS and RateLimitBurst configure the per-IP limiter applied by Handler.
	// Defaults to 50 rps with a burst of 100.
	RateLimitRPS   float64
	RateLimitBurst int

	Logger  subsync.Logger
	Metrics subsync.Metrics
}

// WebhookHandler is the HTTP boundary of the pipeline. Its status codes drive the
// provider's retry policy: 2xx stops retries, 5xx asks for redelivery, 4xx rejects.
type WebhookHandler struct {
	verifier     *Verifier
	decoder      *Decoder
	reconciler   Reconciler
	dispatcher   Dispatcher
	maxBodyBytes int64
	rateLimiter  *internal.RateLimiter
	logger       subsync.Logger
	metrics      subsync.Metrics
}

// NewWebhookHandler creates the webhook endpoint.
func NewWebhookHandler(cfg WebhookConfig) (*WebhookHandler, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("webhook: verifier is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("webhook: decoder is required")
	}
	if cfg.Reconciler == nil {
		return nil, errors.New("webhook: reconciler is required")
	}

	h := &WebhookHandler{
		verifier:     cfg.Verifier,
		decoder:      cfg.Decoder,
		reconciler:   cfg.Reconciler,
		dispatcher:   cfg.Dispatcher,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}
	rps, burst := cfg.RateLimitRPS, cfg.RateLimitBurst
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	h.rateLimiter = internal.NewRateLimiter(rps, burst)
	if h.logger == nil {
		h.logger = &subsync.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = &subsync.NoopMetrics{}
	}
	return h, nil
}

// Handler returns the endpoint wrapped with per-IP rate limiting.
func (h *WebhookHandler) Handler() http.Handler {
	return h.rateLimiter.Middleware(h)
}

type delivery struct {
	state     WebhookState
	eventID   string
	eventType string
	start     time.Time
}

// ServeHTTP handles a single delivery.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := &delivery{state: StateReceived, eventType: unknownEventType, start: time.Now()}
	defer h.finish(d)
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		d.state = StateRejectedBody
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBodyBytes)
	if err != nil {
		d.state = StateRejectedBody
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError("payload_too_large")
		} else {
			h.metrics.RecordWebhookError("invalid_payload")
		}
		h.logger.Warn("webhook body rejected", subsync.Field{Key: "error", Value: err.Error()})
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
		d.state = StateRejectedSignature
		h.metrics.RecordWebhookError("invalid_signature")
		h.logger.Warn("webhook signature rejected",
			subsync.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
			subsync.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}
	d.state = StateVerified

	event, err := h.decoder.Decode(body)
	if err != nil {
		// a signed payload we cannot read means the provider's contract moved
		d.state = StateRejectedDecode
		h.metrics.RecordWebhookError("malformed_event")
		h.logger.Error("webhook event could not be decoded", subsync.Field{Key: "error", Value: err.Error()})
		http.Error(w, "malformed event", http.StatusInternalServerError)
		return
	}
	d.state = StateDecoded
	meta := event.Metadata()
	d.eventID, d.eventType = meta.ID, meta.Type

	ctx := r.Context()
	outcome, err := h.reconciler.Reconcile(ctx, event)
	if err != nil {
		if !subsync.IsFatal(err) {
			d.state = StateReconcileFailed
			h.metrics.RecordWebhookError("reconcile_recoverable")
			h.logger.Error("webhook reconcile failed, provider will retry",
				subsync.Field{Key: "event_id", Value: meta.ID},
				subsync.Field{Key: "event_type", Value: meta.Type},
				subsync.Field{Key: "error", Value: err.Error()},
			)
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}

		// retrying cannot help; acknowledge after telling the customer
		h.metrics.RecordWebhookError("reconcile_fatal")
		h.logger.Warn("webhook event cannot be applied",
			subsync.Field{Key: "event_id", Value: meta.ID},
			subsync.Field{Key: "event_type", Value: meta.Type},
			subsync.Field{Key: "customer_id", Value: event.Customer()},
			subsync.Field{Key: "error", Value: err.Error()},
		)
		if h.dispatcher != nil {
			h.dispatcher.NotifyFailure(ctx, event, outcome, err)
			d.state = StateNotified
		}
		h.respondOK(w, d)
		return
	}
	d.state = StateReconciled

	if h.dispatcher != nil {
		h.dispatcher.NotifySuccess(ctx, event, outcome)
		d.state = StateNotified
	}
	h.respondOK(w, d)
}

func (h *WebhookHandler) respondOK(w http.ResponseWriter, d *delivery) {
	if err := internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true}); err != nil {
		h.logger.Debug("webhook response write failed", subsync.Field{Key: "error", Value: err.Error()})
	}
	d.state = StateResponded
}

func (h *WebhookHandler) finish(d *delivery) {
	h.metrics.RecordWebhook(d.eventType, string(d.state))
	h.metrics.RecordWebhookDuration(d.eventType, time.Since(d.start))

	fields := []subsync.Field{
		{Key: "state", Value: string(d.state)},
		{Key: "event_type", Value: d.eventType},
		{Key: "duration_ms", Value: time.Since(d.start).Milliseconds()},
	}
	if d.eventID != "" {
		fields = append(fields, subsync.Field{Key: "event_id", Value: d.eventID})
	}
	h.logger.Debug("webhook delivery finished", fields...)
}
