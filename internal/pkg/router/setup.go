package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/Talentis/app/controllers"
	"github.com/ManuelReschke/Talentis/app/repository"
	"github.com/ManuelReschke/Talentis/internal/pkg/middleware"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps is everything the routes need.
type Deps struct {
	Premium *controllers.PremiumController
	Admin   *controllers.AdminController
	Users   repository.UserRepository
	Guard   middleware.Guard
	Free    middleware.FreeLimiter
	// Storage backs the rate limiters. Nil keeps counters in memory.
	Storage fiber.Storage
	// Limits per minute and client; zero uses the defaults.
	APIRequestsPerMinute     int
	WebhookRequestsPerMinute int
}

func InstallRouter(app *fiber.App, deps Deps) {
	app.Use(middleware.Metrics())
	setup(app, NewPublicRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}

func newLimiter(storage fiber.Storage, max int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:     max,
		Storage: storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Trop de requêtes, réessayez dans une minute",
			})
		},
	})
}
