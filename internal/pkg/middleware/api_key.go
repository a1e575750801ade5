package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/app/repository"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/usercontext"
)

// APIKeyAuth authenticates requests carrying a user API key header. Users are
// resolved read-only from the identity store.
func APIKeyAuth(users repository.UserRepository) fiber.Handler {
	const op = "middleware.APIKeyAuth"
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return abort(c, apperr.Unauthorized(op, "Clé API manquante"))
		}

		user, err := users.GetByAPIKeyHash(c.UserContext(), models.HashAPIKey(apiKey))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return abort(c, apperr.Unauthorized(op, "Clé API invalide"))
			}
			log.Errorf("[Auth] API key lookup failed: %v", err)
			return abort(c, apperr.Internal(op, err))
		}

		if user.Status != models.STATUS_ACTIVE {
			return abort(c, apperr.Forbidden(op, "", "Compte inactif"))
		}

		usercontext.Set(c, usercontext.FromUser(user))
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
