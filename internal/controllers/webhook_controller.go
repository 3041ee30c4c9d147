package controllers

import (
	"bytes"
	"context"
	"net/http"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

type WebhookAdmitter interface {
	AdmitWebhook(ctx context.Context, triggerID string, req domain.WebhookRequest) (domain.ExecuteWorkflowTask, error)
}

// WebhookController turns inbound HTTP deliveries into admitted workflow runs
type WebhookController struct {
	admitter WebhookAdmitter
}

type WebhookControllerDependencies struct {
	TriggerLayer WebhookAdmitter
}

func NewWebhookController(deps WebhookControllerDependencies) *WebhookController {
	return &WebhookController{
		admitter: deps.TriggerLayer,
	}
}

type WebhookAcceptedResponse struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	TriggerID  string `json:"trigger_id"`
}

// Receive handles a webhook delivery for any method; the trigger decides which are allowed
func (c *WebhookController) Receive(ctx fiber.Ctx) error {
	triggerID := ctx.Params("triggerID")
	if triggerID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Trigger ID is required")
	}

	headers := make(http.Header)
	for key, values := range ctx.GetReqHeaders() {
		for _, value := range values {
			headers.Add(key, value)
		}
	}

	// Signatures cover the bytes as sent, so the body is not decoded.
	req := domain.WebhookRequest{
		Method:    ctx.Method(),
		Body:      bytes.Clone(ctx.BodyRaw()),
		Headers:   headers,
		SourceKey: ctx.IP(),
	}

	task, err := c.admitter.AdmitWebhook(ctx.RequestCtx(), triggerID, req)
	if err != nil {
		return err
	}

	log.Debug().
		Str("trigger_id", triggerID).
		Str("run_id", task.RunID).
		Msg("Webhook delivery accepted")

	return ctx.Status(fiber.StatusAccepted).JSON(WebhookAcceptedResponse{
		RunID:      task.RunID,
		WorkflowID: task.WorkflowID,
		TriggerID:  task.TriggerID,
	})
}
