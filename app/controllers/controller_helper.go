package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/gateway"
	"github.com/ManuelReschke/Talentis/internal/pkg/usercontext"
)

var validate = validator.New()

// respondError writes err in the API error shape:
// {"error": code, "message": text, "reason": denial reason if any}.
func respondError(c *fiber.Ctx, err error) error {
	code := apperr.Code(err)
	if code == apperr.EINTERNAL {
		log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
	}
	body := fiber.Map{"error": code, "message": apperr.Message(err)}
	if reason := apperr.Reason(err); reason != "" {
		body["reason"] = reason
	}
	return c.Status(apperr.HTTPStatus(code)).JSON(body)
}

// bindJSON decodes the request body into dst and validates it. An empty body
// leaves dst untouched.
func bindJSON(c *fiber.Ctx, op string, dst interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(dst); err != nil {
			return apperr.Invalid(op, "Corps de requête invalide")
		}
	}
	if err := validate.Struct(dst); err != nil {
		return apperr.Invalid(op, validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Requête invalide"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+" ("+fe.Tag()+")")
	}
	return "Champs invalides: " + strings.Join(fields, ", ")
}

// currentUser returns the authenticated caller or an unauthorized error.
func currentUser(c *fiber.Ctx) (usercontext.UserContext, error) {
	uc := usercontext.GetUserContext(c)
	if !uc.IsLoggedIn || uc.UserID == 0 {
		return uc, apperr.Unauthorized("controllers", "Authentification requise")
	}
	return uc, nil
}

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Invalid("controllers", "Identifiant invalide")
	}
	return uint(id), nil
}

// PayerRequest carries optional payer details for providers that need them.
type PayerRequest struct {
	Name  string `json:"name" validate:"omitempty,max=120"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"omitempty,max=32"`
}

// payer fills missing fields from the caller's account.
func (p *PayerRequest) payer(uc usercontext.UserContext) gateway.Payer {
	out := gateway.Payer{UserID: uc.UserID, Name: uc.Username, Email: uc.Email}
	if p == nil {
		return out
	}
	if p.Name != "" {
		out.Name = p.Name
	}
	if p.Email != "" {
		out.Email = p.Email
	}
	out.Phone = p.Phone
	return out
}
