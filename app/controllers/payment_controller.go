package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Talentis/internal/pkg/gateway"
)

func (pc *PremiumController) HandlePaymentGet(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	intent, err := pc.svc.Billing.GetIntent(c.UserContext(), uc.UserID, c.Params("reference"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"payment": intent})
}

// HandlePaymentVerify asks the provider about a pending payment and settles
// it when the provider reports it paid.
func (pc *PremiumController) HandlePaymentVerify(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	s, err := pc.svc.Billing.VerifyPayment(c.UserContext(), uc.UserID, c.Params("reference"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(s)
}

// HandleWebhook is the public callback endpoint of every payment provider.
// Authentication happens on the payload, per provider.
func (pc *PremiumController) HandleWebhook(c *fiber.Ctx) error {
	req := gateway.WebhookRequest{
		Headers: make(map[string]string),
		Query:   c.Queries(),
		// fasthttp reuses the request buffer after the handler returns.
		Body: append([]byte(nil), c.Body()...),
	}
	for k, v := range c.GetReqHeaders() {
		if len(v) > 0 {
			req.Headers[k] = v[0]
		}
	}

	resp := pc.svc.Billing.HandleWebhook(c.UserContext(), strings.ToLower(c.Params("provider")), req)
	return c.Status(resp.Status).JSON(resp.Body)
}
