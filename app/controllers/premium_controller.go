package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/billing"
	"github.com/ManuelReschke/Talentis/internal/pkg/boost"
	"github.com/ManuelReschke/Talentis/internal/pkg/catalog"
	"github.com/ManuelReschke/Talentis/internal/pkg/entitlements"
	"github.com/ManuelReschke/Talentis/internal/pkg/quota"
	"github.com/ManuelReschke/Talentis/internal/pkg/recruitment"
	"github.com/ManuelReschke/Talentis/internal/pkg/subscription"
)

// Services bundles what the premium handlers need.
type Services struct {
	Catalog       *catalog.Catalog
	Entitlements  *entitlements.Engine
	Quotas        *quota.Ledger
	Subscriptions *subscription.Ledger
	Packs         *recruitment.Ledger
	Boosts        *boost.Ledger
	Billing       *billing.Service
	// Health reports whether backing stores are reachable. Optional.
	Health func(ctx context.Context) error
}

// PremiumController serves the entitlement, purchase and reconciliation API.
type PremiumController struct {
	svc Services
}

func NewPremiumController(svc Services) *PremiumController {
	return &PremiumController{svc: svc}
}

// HandleHealth answers the liveness probe.
func (pc *PremiumController) HandleHealth(c *fiber.Ctx) error {
	if pc.svc.Health != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := pc.svc.Health(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (pc *PremiumController) HandleCatalog(c *fiber.Ctx) error {
	return c.JSON(pc.svc.Catalog.View())
}

// HandleEntitlementCheck answers GET /entitlements/check?plans=A,B&kind=K
// without spending anything.
func (pc *PremiumController) HandleEntitlementCheck(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	kind := models.QuotaKind(strings.ToUpper(strings.TrimSpace(c.Query("kind"))))
	if kind != "" && !kind.Valid() {
		return respondError(c, apperr.Invalid("controllers.EntitlementCheck", "Type de quota inconnu"))
	}
	d, err := pc.svc.Entitlements.CanPerformAction(c.UserContext(), uc.UserID, entitlements.ParsePlans(c.Query("plans")), kind)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(d)
}

func (pc *PremiumController) HandleQuotas(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	usage, err := pc.svc.Quotas.ListUsage(c.UserContext(), uc.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"quotas": usage})
}

// HandleCVView is reached only through the COMPANY_BIZ / CV_VIEWS guard,
// which already spent the view.
func (pc *PremiumController) HandleCVView(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	remaining, err := pc.svc.Quotas.Remaining(c.UserContext(), uc.UserID, models.QuotaCVViews)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"cv_id": c.Params("id"), "viewed": true, "remaining": remaining})
}

// HandleJobApply is reached only through the free-tier application counter.
func (pc *PremiumController) HandleJobApply(c *fiber.Ctx) error {
	if _, err := currentUser(c); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"job_id": c.Params("id"), "applied": true})
}
