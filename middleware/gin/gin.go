// Package gin mounts the billing webhook endpoint on a Gin engine.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/billing/stripe"
)

// Config holds mount configuration
type Config struct {
	// Handler serves deliveries, typically (*stripe.WebhookHandler).Handler() (required)
	Handler http.Handler

	// Path defaults to stripe.WebhookPath
	Path string
}

// Register adds the webhook route to r. The request body reaches the handler
// untouched, so no body-binding middleware may run on this route.
func Register(r gongin.IRoutes, cfg Config) {
	path := cfg.Path
	if path == "" {
		path = stripe.WebhookPath
	}
	r.POST(path, Handler(cfg.Handler))
}

// Handler adapts h to a Gin handler.
func Handler(h http.Handler) gongin.HandlerFunc {
	return gongin.WrapH(h)
}
