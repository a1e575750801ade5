package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/middleware"
	"github.com/ManuelReschke/Talentis/internal/pkg/quota"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	max := h.deps.APIRequestsPerMinute
	if max <= 0 {
		max = 120
	}
	pc := h.deps.Premium

	api := app.Group("/api", newLimiter(h.deps.Storage, max))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/catalog", pc.HandleCatalog)

	// Everything registered below needs an API key.
	v1.Use(middleware.APIKeyAuth(h.deps.Users), middleware.RequireAuth)
	v1.Get("/entitlements/check", pc.HandleEntitlementCheck)
	v1.Get("/quotas", pc.HandleQuotas)

	v1.Post("/subscriptions", pc.HandleSubscriptionBuy)
	v1.Get("/subscriptions", pc.HandleSubscriptionHistory)
	v1.Get("/subscriptions/active", pc.HandleSubscriptionActive)
	v1.Post("/subscriptions/cancel", pc.HandleSubscriptionCancel)

	v1.Post("/packs", pc.HandlePackPurchase)
	v1.Get("/packs", pc.HandlePackList)
	v1.Get("/packs/remaining", pc.HandlePackRemaining)
	v1.Post("/packs/consume", pc.HandlePackConsume)

	v1.Post("/boosts", pc.HandleBoostCreate)
	v1.Get("/boosts", pc.HandleBoostList)
	v1.Get("/boosts/:id", pc.HandleBoostGet)
	v1.Post("/boosts/:id/events", pc.HandleBoostEvent)
	v1.Delete("/boosts/:id", pc.HandleBoostCancel)

	v1.Get("/payments/:reference", pc.HandlePaymentGet)
	v1.Post("/payments/:reference/verify", pc.HandlePaymentVerify)

	// Guarded actions of the marketplace.
	v1.Post("/cv/:id/view", middleware.RequireEntitlement(h.deps.Guard, middleware.EntitlementConfig{
		Plans:         []models.Plan{models.PlanCompanyBiz},
		Kind:          models.QuotaCVViews,
		AutoIncrement: true,
	}), pc.HandleCVView)
	v1.Post("/jobs/:id/apply", middleware.FreeLimit(h.deps.Free, models.QuotaApplications, quota.FreeApplicationsPerMonth), pc.HandleJobApply)

	admin := v1.Group("/admin", middleware.RequireAdmin)
	admin.Post("/trials", h.deps.Admin.HandleGrantTrial)
	admin.Get("/sweeps", h.deps.Admin.HandleSweepList)
	admin.Post("/sweeps/:name", h.deps.Admin.HandleRunSweep)
	admin.Get("/queue", h.deps.Admin.HandleQueueStats)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
