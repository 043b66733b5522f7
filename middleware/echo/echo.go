// Package echo mounts the billing webhook endpoint on an Echo instance.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/billing/stripe"
)

// Router is satisfied by *echo.Echo and *echo.Group.
type Router interface {
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// Config holds mount configuration
type Config struct {
	// Handler serves deliveries, typically (*stripe.WebhookHandler).Handler() (required)
	Handler http.Handler

	// Path defaults to stripe.WebhookPath
	Path string

	// Middleware runs before the handler. It must not consume the request body.
	Middleware []echo.MiddlewareFunc
}

// Register adds the webhook route to r.
func Register(r Router, cfg Config) *echo.Route {
	path := cfg.Path
	if path == "" {
		path = stripe.WebhookPath
	}
	return r.POST(path, echo.WrapHandler(cfg.Handler), cfg.Middleware...)
}
