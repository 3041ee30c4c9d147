package middlewares

import (
	"errors"
	"strings"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	var fiberErr *fiber.Error
	var authErr *domain.WebhookAuthenticationError
	var rateErr *domain.RateLimitExceededError
	var methodErr *domain.MethodNotAllowedError
	var blockedErr *domain.TriggerBlockedError
	var healthErr *domain.CredentialHealthError
	var scopeErr *domain.WorkflowScopeError

	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.As(err, &authErr):
		return fiber.StatusUnauthorized
	case errors.As(err, &rateErr):
		return fiber.StatusTooManyRequests
	case errors.As(err, &methodErr):
		return fiber.StatusMethodNotAllowed
	case errors.As(err, &blockedErr), errors.As(err, &healthErr):
		return fiber.StatusLocked
	case errors.As(err, &scopeErr):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrUnknownTrigger), domain.IsNotFound(err):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrRunInProgress), errors.Is(err, domain.ErrNotDue):
		return fiber.StatusConflict
	}

	return fiber.StatusInternalServerError
}

// ErrorHandler renders every handler error as {"error": message}. Internal failures are
// logged and replaced with a generic message.
func ErrorHandler(c fiber.Ctx, err error) error {
	status := StatusFor(err)
	message := err.Error()

	var methodErr *domain.MethodNotAllowedError
	if errors.As(err, &methodErr) {
		c.Set(fiber.HeaderAllow, strings.Join(methodErr.Allowed, ", "))
	}

	if status >= fiber.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Request failed")

		message = "Internal server error"
	} else {
		log.Debug().
			Err(err).
			Str("path", c.Path()).
			Int("status", status).
			Msg("Request rejected")
	}

	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}
