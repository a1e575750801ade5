package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/subscription"
)

type BuySubscriptionRequest struct {
	Plan         string        `json:"plan" validate:"required"`
	Method       string        `json:"method" validate:"required"`
	BillingCycle string        `json:"billing_cycle" validate:"omitempty,oneof=monthly yearly"`
	Amount       int64         `json:"amount" validate:"gte=0"`
	Payer        *PayerRequest `json:"payer"`
}

type CancelSubscriptionRequest struct {
	Immediate bool `json:"immediate"`
}

// HandleSubscriptionBuy starts a plan purchase and returns the pending
// subscription with its payment handle.
func (pc *PremiumController) HandleSubscriptionBuy(c *fiber.Ctx) error {
	const op = "controllers.SubscriptionBuy"
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	var req BuySubscriptionRequest
	if err := bindJSON(c, op, &req); err != nil {
		return respondError(c, err)
	}

	p, err := pc.svc.Subscriptions.Buy(c.UserContext(), subscription.BuyRequest{
		UserID:   uc.UserID,
		Plan:     models.Plan(strings.ToUpper(strings.TrimSpace(req.Plan))),
		Cycle:    models.BillingCycle(req.BillingCycle),
		Provider: req.Method,
		Amount:   req.Amount,
		Payer:    req.Payer.payer(uc),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (pc *PremiumController) HandleSubscriptionActive(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	sub, err := pc.svc.Subscriptions.GetActive(c.UserContext(), uc.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"active": sub != nil, "subscription": sub})
}

func (pc *PremiumController) HandleSubscriptionCancel(c *fiber.Ctx) error {
	const op = "controllers.SubscriptionCancel"
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	var req CancelSubscriptionRequest
	if err := bindJSON(c, op, &req); err != nil {
		return respondError(c, err)
	}
	sub, err := pc.svc.Subscriptions.Cancel(c.UserContext(), uc.UserID, req.Immediate)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"subscription": sub})
}

func (pc *PremiumController) HandleSubscriptionHistory(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	subs, err := pc.svc.Subscriptions.History(c.UserContext(), uc.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"subscriptions": subs})
}
