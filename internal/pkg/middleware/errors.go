package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
)

// abort ends the request with the JSON shape used across the API.
func abort(c *fiber.Ctx, err error) error {
	code := apperr.Code(err)
	body := fiber.Map{"error": code, "message": apperr.Message(err)}
	if reason := apperr.Reason(err); reason != "" {
		body["reason"] = reason
	}
	return c.Status(apperr.HTTPStatus(code)).JSON(body)
}
