package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/usercontext"
)

// Guard is satisfied by *entitlements.Engine.
type Guard interface {
	Guard(ctx context.Context, userID uint, plans []models.Plan, kind models.QuotaKind, autoIncrement bool) error
}

// EntitlementConfig configures RequireEntitlement.
type EntitlementConfig struct {
	// Plans the caller must hold one of. Empty means any active plan.
	Plans []models.Plan
	// Kind is the quota checked, and spent when AutoIncrement is set.
	Kind          models.QuotaKind
	AutoIncrement bool
}

// RequireEntitlement lets the request through only when the caller holds the
// plan and quota described by cfg. Denials answer 403 with a reason of
// no_subscription or quota_exceeded.
func RequireEntitlement(g Guard, cfg EntitlementConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		uc := usercontext.GetUserContext(c)
		if !uc.IsLoggedIn {
			return abort(c, apperr.Unauthorized("middleware.RequireEntitlement", "Authentification requise"))
		}
		if err := g.Guard(c.UserContext(), uc.UserID, cfg.Plans, cfg.Kind, cfg.AutoIncrement); err != nil {
			return abort(c, err)
		}
		return c.Next()
	}
}

// FreeLimiter is satisfied by *quota.Ledger.
type FreeLimiter interface {
	CheckFreeLimit(ctx context.Context, userID uint, kind models.QuotaKind, limit int) error
}

// FreeLimit meters a free-tier action to limit uses of kind per month.
// Subscribers pass without being counted.
func FreeLimit(l FreeLimiter, kind models.QuotaKind, limit int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		uc := usercontext.GetUserContext(c)
		if !uc.IsLoggedIn {
			return abort(c, apperr.Unauthorized("middleware.FreeLimit", "Authentification requise"))
		}
		if err := l.CheckFreeLimit(c.UserContext(), uc.UserID, kind, limit); err != nil {
			return abort(c, err)
		}
		return c.Next()
	}
}
