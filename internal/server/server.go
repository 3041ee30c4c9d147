package server

import (
	"time"

	"github.com/flowbaker/flowguard/internal/controllers"
	"github.com/flowbaker/flowguard/internal/middlewares"
	"github.com/flowbaker/flowguard/internal/version"
	"github.com/flowbaker/flowguard/pkg/metrics"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/rs/zerolog/log"
)

const serviceName = "flowguard"

type HTTPServerDependencies struct {
	AdminAuth   middlewares.AdminAuthConfig
	MetricsPath string
	Prometheus  *metrics.PrometheusSink // nil disables the metrics endpoint

	WebhookController    *controllers.WebhookController
	WorkflowController   *controllers.WorkflowController
	TriggerController    *controllers.TriggerController
	GovernanceController *controllers.GovernanceController
}

func NewHTTPServer(deps HTTPServerDependencies) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName:      serviceName,
		ErrorHandler: middlewares.ErrorHandler,
	})

	router.Use(recover.New())
	router.Use(logger.New())

	// Health check endpoint (no authentication required)
	router.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "healthy",
			"service":   serviceName,
			"version":   version.GetVersion(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	router.Get("/version", func(c fiber.Ctx) error {
		return c.JSON(version.Get())
	})

	if deps.Prometheus != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}

		router.Get(path, adaptor.HTTPHandler(deps.Prometheus.Handler()))
	}

	// Webhooks authenticate with their own shared secret
	router.All("/webhooks/:triggerID", deps.WebhookController.Receive)

	api := router.Group("/api")

	if deps.AdminAuth.IsEnabled() {
		api.Use(middlewares.AdminAuthMiddleware(deps.AdminAuth))
	} else {
		log.Warn().Msg("No admin token configured, management API is unauthenticated")
	}

	api.Get("/triggers", deps.TriggerController.ListTriggers)
	api.Post("/runs/:runID/complete", deps.TriggerController.CompleteRun)

	workflows := api.Group("/workflows/:workflowID")
	workflows.Get("/health", deps.WorkflowController.GetHealth)
	workflows.Post("/health", deps.WorkflowController.CheckHealth)
	workflows.Get("/credentials", deps.WorkflowController.ListCredentials)
	workflows.Get("/alerts", deps.GovernanceController.ListAlerts)

	api.Post("/alerts/:alertID/acknowledge", deps.GovernanceController.AcknowledgeAlert)

	return router
}
