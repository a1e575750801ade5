package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	icuser "github.com/ManuelReschke/Talentis/internal/pkg/usercontext"
)

// RequireAuth rejects requests without an authenticated caller.
func RequireAuth(c *fiber.Ctx) error {
	if !icuser.IsLoggedIn(c) {
		return abort(c, apperr.Unauthorized("middleware.RequireAuth", "Authentification requise"))
	}
	return c.Next()
}

// RequireAdmin ensures an authenticated admin.
func RequireAdmin(c *fiber.Ctx) error {
	if !icuser.IsLoggedIn(c) {
		return abort(c, apperr.Unauthorized("middleware.RequireAdmin", "Authentification requise"))
	}
	if !icuser.IsAdmin(c) {
		return abort(c, apperr.Forbidden("middleware.RequireAdmin", "", "Accès réservé aux administrateurs"))
	}
	return c.Next()
}
