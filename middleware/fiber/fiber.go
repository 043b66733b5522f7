// Package fiber mounts the billing webhook endpoint on a Fiber app.
package fiber

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/mihaimyh/subsync/pkg/billing/stripe"
)

// Config holds mount configuration
type Config struct {
	// Handler serves deliveries, typically (*stripe.WebhookHandler).Handler() (required)
	Handler http.Handler

	// Path defaults to stripe.WebhookPath
	Path string
}

// Register adds the webhook route to r. The handler runs through the net/http
// adaptor, which hands it the request body exactly as received.
func Register(r fiber.Router, cfg Config) {
	path := cfg.Path
	if path == "" {
		path = stripe.WebhookPath
	}
	r.Post(path, Handler(cfg.Handler))
}

// Handler adapts h to a Fiber handler.
func Handler(h http.Handler) fiber.Handler {
	return adaptor.HTTPHandler(h)
}
