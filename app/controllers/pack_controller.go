package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/recruitment"
)

type BuyPackRequest struct {
	Size   string        `json:"size" validate:"required"`
	Method string        `json:"method" validate:"required"`
	Amount int64         `json:"amount" validate:"gte=0"`
	Payer  *PayerRequest `json:"payer"`
}

type ConsumeCreditRequest struct {
	JobID string `json:"job_id" validate:"required,max=64"`
}

func (pc *PremiumController) HandlePackPurchase(c *fiber.Ctx) error {
	const op = "controllers.PackPurchase"
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	var req BuyPackRequest
	if err := bindJSON(c, op, &req); err != nil {
		return respondError(c, err)
	}
	p, err := pc.svc.Packs.Purchase(c.UserContext(), recruitment.PurchaseRequest{
		CompanyID: uc.UserID,
		Size:      models.PackSize(strings.ToUpper(strings.TrimSpace(req.Size))),
		Provider:  req.Method,
		Amount:    req.Amount,
		Payer:     req.Payer.payer(uc),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (pc *PremiumController) HandlePackRemaining(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	n, err := pc.svc.Packs.TotalRemaining(c.UserContext(), uc.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"remaining": n})
}

// HandlePackConsume charges one job posting to the oldest usable pack.
func (pc *PremiumController) HandlePackConsume(c *fiber.Ctx) error {
	const op = "controllers.PackConsume"
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	var req ConsumeCreditRequest
	if err := bindJSON(c, op, &req); err != nil {
		return respondError(c, err)
	}
	pack, err := pc.svc.Packs.ConsumeCredit(c.UserContext(), uc.UserID, strings.TrimSpace(req.JobID))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"pack": pack})
}

func (pc *PremiumController) HandlePackList(c *fiber.Ctx) error {
	uc, err := currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	packs, err := pc.svc.Packs.ListActive(c.UserContext(), uc.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"packs": packs})
}
