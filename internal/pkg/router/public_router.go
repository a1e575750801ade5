package router

import (
	"github.com/gofiber/fiber/v2"
)

// PublicRouter serves the unauthenticated endpoints: health, catalog and
// provider callbacks.
type PublicRouter struct {
	deps Deps
}

func NewPublicRouter(deps Deps) *PublicRouter {
	return &PublicRouter{deps: deps}
}

func (r PublicRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", r.deps.Premium.HandleHealth)

	max := r.deps.WebhookRequestsPerMinute
	if max <= 0 {
		max = 600
	}
	// Providers authenticate through the payload, never through a key.
	app.Post("/webhooks/:provider", newLimiter(r.deps.Storage, max), r.deps.Premium.HandleWebhook)
}
