package controllers

import (
	"context"

	"github.com/flowbaker/flowguard/internal/middlewares"
	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/gofiber/fiber/v3"
)

const (
	ActorHeader  = "X-Flowguard-Actor"
	defaultActor = "api"
)

type HealthService interface {
	EnsureWorkflowHealth(ctx context.Context, workflowID string, actor string) (domain.CredentialHealthReport, error)
	LastReport(workflowID string) (domain.CredentialHealthReport, bool)
}

type CredentialDescriber interface {
	DescribeCredentials(ctx context.Context, access domain.AccessContext) ([]domain.CredentialDescription, error)
}

// WorkflowController exposes credential health and credential listings per workflow
type WorkflowController struct {
	healthService HealthService
	vault         CredentialDescriber
}

type WorkflowControllerDependencies struct {
	OAuthService HealthService
	Vault        CredentialDescriber
}

func NewWorkflowController(deps WorkflowControllerDependencies) *WorkflowController {
	return &WorkflowController{
		healthService: deps.OAuthService,
		vault:         deps.Vault,
	}
}

// GetHealth returns the last report, or runs a check when refresh=true
func (c *WorkflowController) GetHealth(ctx fiber.Ctx) error {
	workflowID := ctx.Params("workflowID")

	if ctx.Query("refresh") == "true" {
		return c.CheckHealth(ctx)
	}

	report, ok := c.healthService.LastReport(workflowID)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "No health report for workflow")
	}

	return ctx.JSON(report)
}

func (c *WorkflowController) CheckHealth(ctx fiber.Ctx) error {
	workflowID := ctx.Params("workflowID")

	report, err := c.healthService.EnsureWorkflowHealth(ctx.RequestCtx(), workflowID, actor(ctx))
	if err != nil {
		return err
	}

	return ctx.JSON(report)
}

func (c *WorkflowController) ListCredentials(ctx fiber.Ctx) error {
	workflowID := ctx.Params("workflowID")

	descriptions, err := c.vault.DescribeCredentials(ctx.RequestCtx(), domain.WorkflowAccess(workflowID, actor(ctx)))
	if err != nil {
		return err
	}

	return ctx.JSON(fiber.Map{
		"credentials": descriptions,
	})
}

// actor prefers the subject of a signed admin token over the self-declared header
func actor(ctx fiber.Ctx) string {
	if subject := middlewares.AdminSubject(ctx); subject != "" {
		return subject
	}

	if value := ctx.Get(ActorHeader); value != "" {
		return value
	}

	return defaultActor
}
