package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/boost"
)

type CreateBoostRequest struct {
	Kind     string        `json:"kind" validate:"required"`
	TargetID string        `json:"target_id" validate:"required,max=64"`
	Method   string        `json:"method" validate:"required_without=UseQuota"`
	UseQuota bool          `json:"use_quota"`
	Amount   int64         `json:"amount" validate:"gte=0"`
	Payer    *PayerRequest `json:"payer"`
}

type BoostEventRequest struct {
	Event string `json:"event" validate:"required,oneof=view click application conversion"`
}

// HandleBoostCreate starts a boost, either from the plan's allowance
// (use_quota) or through a paid purchase.
func (pc *PremiumController) HandleBoostCreate(c *fiber.Ctx) error {
	const op = "controllers.BoostCreate"
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	var req CreateBoostRequest
	if err := bindJSON(c, op, &req); err != nil {
		return respondError(c, err)
	}
	kind := models.BoostKind(strings.ToUpper(strings.TrimSpace(req.Kind)))

	if req.UseQuota {
		b, err := pc.svc.Boosts.ActivateWithQuota(c.UserContext(), uc.UserID, kind, req.TargetID)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"boost": b})
	}

	p, err := pc.svc.Boosts.Purchase(c.UserContext(), boost.PurchaseRequest{
		OwnerID:  uc.UserID,
		Kind:     kind,
		TargetID: req.TargetID,
		Provider: req.Method,
		Amount:   req.Amount,
		Payer:    req.Payer.payer(uc),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (pc *PremiumController) HandleBoostGet(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	b, err := pc.svc.Boosts.GetOwned(c.UserContext(), uc.UserID, id)
	if err != nil {
		return respondError(c, err)
	}
	active, err := pc.svc.Boosts.IsActive(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"boost": b, "active": active})
}

// HandleBoostList lists the boosts running on ?target=job&target_id=42.
// Payment references are only shown to the owner.
func (pc *PremiumController) HandleBoostList(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	target := models.BoostTarget(strings.ToLower(strings.TrimSpace(c.Query("target"))))
	targetID := strings.TrimSpace(c.Query("target_id"))
	if target == "" || targetID == "" {
		return respondError(c, apperr.Invalid("controllers.BoostList", "Paramètres target et target_id requis"))
	}
	boosts, err := pc.svc.Boosts.ListActive(c.UserContext(), target, targetID)
	if err != nil {
		return respondError(c, err)
	}
	for i := range boosts {
		if boosts[i].OwnerID != uc.UserID {
			boosts[i].TransactionRef = ""
		}
	}
	return c.JSON(fiber.Map{"boosts": boosts})
}

func (pc *PremiumController) HandleBoostEvent(c *fiber.Ctx) error {
	const op = "controllers.BoostEvent"
	if _, err := currentUser(c); err != nil {
		return respondError(c, err)
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req BoostEventRequest
	if err := bindJSON(c, op, &req); err != nil {
		return respondError(c, err)
	}
	if err := pc.svc.Boosts.RecordEvent(c.UserContext(), id, models.BoostEvent(req.Event)); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (pc *PremiumController) HandleBoostCancel(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := pc.svc.Boosts.Cancel(c.UserContext(), uc.UserID, id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
