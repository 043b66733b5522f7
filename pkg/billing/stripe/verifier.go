package stripe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SignatureHeader carries "t=<unix>,v1=<hex>" on every Stripe webhook delivery.
const SignatureHeader = "Stripe-Signature"

// Verifier checks Stripe webhook signatures over the raw request body.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A missing secret is a configuration error.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", billing.ErrProviderNotConfigured)
	}
	if tolerance <= 0 {
		tolerance = billing.DefaultSignatureTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Verify checks that payload was signed with the shared secret within the tolerance
// window. Every failure wraps subsync.ErrInvalidSignature.
func (v *Verifier) Verify(payload []byte, header string) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s header", subsync.ErrInvalidSignature, SignatureHeader)
	}
	err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance)
	if err == nil {
		return nil
	}

	reason := "signature mismatch"
	switch {
	case errors.Is(err, webhook.ErrTooOld):
		reason = "timestamp outside tolerance"
	case errors.Is(err, webhook.ErrNotSigned):
		reason = "no v1 signature"
	case errors.Is(err, webhook.ErrInvalidHeader):
		reason = "malformed header"
	}
	return fmt.Errorf("%w: %s: %w", subsync.ErrInvalidSignature, reason, err)
}
