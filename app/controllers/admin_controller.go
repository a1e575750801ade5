package controllers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Talentis/internal/pkg/subscription"
)

// SweepRunner is satisfied by *jobqueue.Manager.
type SweepRunner interface {
	Sweeps() []string
	RunSweep(ctx context.Context, name string) (int64, error)
}

// AdminController handles operator endpoints.
type AdminController struct {
	subs   *subscription.Ledger
	sweeps SweepRunner
	queue  *jobqueue.Queue
}

// NewAdminController wires the admin handlers. queue may be nil when the
// notification queue is disabled.
func NewAdminController(subs *subscription.Ledger, sweeps SweepRunner, queue *jobqueue.Queue) *AdminController {
	return &AdminController{subs: subs, sweeps: sweeps, queue: queue}
}

type GrantTrialRequest struct {
	UserID uint   `json:"user_id" validate:"required"`
	Plan   string `json:"plan" validate:"required"`
}

// HandleGrantTrial gives a user a free trial of a plan.
func (ac *AdminController) HandleGrantTrial(c *fiber.Ctx) error {
	const op = "controllers.GrantTrial"
	var req GrantTrialRequest
	if err := bindJSON(c, op, &req); err != nil {
		return respondError(c, err)
	}
	sub, err := ac.subs.CreateTrial(c.UserContext(), req.UserID, models.Plan(strings.ToUpper(strings.TrimSpace(req.Plan))))
	if err != nil {
		return respondError(c, err)
	}
	log.Infof("[Admin] Trial %s granted to user %d", sub.Plan, req.UserID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"subscription": sub})
}

func (ac *AdminController) HandleSweepList(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"sweeps": ac.sweeps.Sweeps()})
}

// HandleRunSweep runs one maintenance sweep now.
func (ac *AdminController) HandleRunSweep(c *fiber.Ctx) error {
	name := c.Params("name")
	n, err := ac.sweeps.RunSweep(c.UserContext(), name)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"sweep": name, "rows": n})
}

// HandleQueueStats reports the notification queue backlog.
func (ac *AdminController) HandleQueueStats(c *fiber.Ctx) error {
	if ac.queue == nil {
		return c.JSON(fiber.Map{"enabled": false})
	}
	ctx := c.UserContext()
	stats, err := ac.queue.GetJobStats(ctx)
	if err != nil {
		log.Errorf("[Admin] Failed to read queue stats: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "File de notifications indisponible"})
	}
	pending, _ := ac.queue.GetQueueSize(ctx)
	processing, _ := ac.queue.GetProcessingSize(ctx)
	return c.JSON(fiber.Map{
		"enabled":    true,
		"stats":      stats,
		"pending":    pending,
		"processing": processing,
	})
}
