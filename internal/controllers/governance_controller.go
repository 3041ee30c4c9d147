package controllers

import (
	"github.com/flowbaker/flowguard/internal/middlewares"
	"github.com/flowbaker/flowguard/pkg/domain"
	"github.com/flowbaker/flowguard/pkg/governance"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

type GovernanceController struct {
	evaluator *governance.Evaluator
	alerts    *governance.AlertManager
	vault     governance.CredentialReader
}

type GovernanceControllerDependencies struct {
	Evaluator *governance.Evaluator
	Alerts    *governance.AlertManager
	Vault     governance.CredentialReader
}

func NewGovernanceController(deps GovernanceControllerDependencies) *GovernanceController {
	return &GovernanceController{
		evaluator: deps.Evaluator,
		alerts:    deps.Alerts,
		vault:     deps.Vault,
	}
}

type AcknowledgeAlertRequest struct {
	Actor string `json:"actor"`
}

// ListAlerts re-evaluates the workflow and returns its current alerts
func (c *GovernanceController) ListAlerts(ctx fiber.Ctx) error {
	workflowID := ctx.Params("workflowID")

	derived, err := c.evaluator.EvaluateWorkflowGovernance(ctx.RequestCtx(), c.vault, workflowID, domain.WorkflowAccess(workflowID, actor(ctx)))
	if err != nil {
		return err
	}

	alerts := c.alerts.Sync(workflowID, derived)

	if ctx.Query("pending") == "true" {
		alerts = c.alerts.Pending(workflowID)
	}

	return ctx.JSON(fiber.Map{
		"workflow_id": workflowID,
		"alerts":      alerts,
	})
}

func (c *GovernanceController) AcknowledgeAlert(ctx fiber.Ctx) error {
	var req AcknowledgeAlertRequest

	// The body is JSON whatever the declared content type.
	if len(ctx.BodyRaw()) > 0 {
		if err := ctx.Bind().JSON(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}

	if subject := middlewares.AdminSubject(ctx); subject != "" {
		req.Actor = subject
	}

	if req.Actor == "" {
		req.Actor = ctx.Get(ActorHeader)
	}

	if req.Actor == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Actor is required")
	}

	alert, err := c.alerts.Acknowledge(ctx.Params("alertID"), req.Actor)
	if err != nil {
		return err
	}

	log.Info().
		Str("alert_id", alert.ID).
		Str("actor", req.Actor).
		Msg("Governance alert acknowledged")

	return ctx.JSON(alert)
}
