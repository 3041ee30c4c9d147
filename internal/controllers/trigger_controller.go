package controllers

import (
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"
	"github.com/flowbaker/flowguard/pkg/trigger"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

type TriggerRegistry interface {
	Triggers(now time.Time) []trigger.TriggerSummary
	CompleteRun(runID string) bool
}

type TriggerController struct {
	registry TriggerRegistry
	clock    domain.Clock
}

type TriggerControllerDependencies struct {
	TriggerLayer TriggerRegistry
	Clock        domain.Clock
}

func NewTriggerController(deps TriggerControllerDependencies) *TriggerController {
	return &TriggerController{
		registry: deps.TriggerLayer,
		clock:    deps.Clock,
	}
}

func (c *TriggerController) ListTriggers(ctx fiber.Ctx) error {
	return ctx.JSON(fiber.Map{
		"triggers": c.registry.Triggers(c.clock.Now()),
	})
}

// CompleteRun is called by the execution engine when a cron run finishes
func (c *TriggerController) CompleteRun(ctx fiber.Ctx) error {
	runID := ctx.Params("runID")

	if !c.registry.CompleteRun(runID) {
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	}

	log.Debug().Str("run_id", runID).Msg("Run completed")

	return ctx.SendStatus(fiber.StatusNoContent)
}
