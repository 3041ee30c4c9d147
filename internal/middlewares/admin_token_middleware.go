package middlewares

import (
	"crypto/subtle"
	"strings"

	"github.com/flowbaker/flowguard/internal/auth"
	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

const adminSubjectLocal = "admin_subject"

type AdminAuthConfig struct {
	// Token is a static bearer token. Requests using it carry no subject.
	Token string
	// Issuer verifies signed bearer tokens whose subject identifies the caller.
	Issuer *auth.AdminTokenIssuer
	Clock  domain.Clock
}

// IsEnabled reports whether any admin credential is configured
func (c AdminAuthConfig) IsEnabled() bool {
	return c.Token != "" || c.Issuer != nil
}

// AdminAuthMiddleware guards management routes with the static token or a signed admin token.
func AdminAuthMiddleware(config AdminAuthConfig) fiber.Handler {
	expected := []byte(config.Token)

	return func(c fiber.Ctx) error {
		presented, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")

		if ok && config.Token != "" && subtle.ConstantTimeCompare([]byte(presented), expected) == 1 {
			return c.Next()
		}

		if ok && config.Issuer != nil {
			subject, err := config.Issuer.Verify(presented, config.Clock.Now())
			if err == nil {
				c.Locals(adminSubjectLocal, subject)
				return c.Next()
			}

			log.Debug().Err(err).Msg("Signed admin token rejected")
		}

		log.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Str("ip", c.IP()).
			Msg("Admin token verification failed")

		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid admin token",
		})
	}
}

// AdminSubject returns the subject of a verified signed admin token, if any.
func AdminSubject(c fiber.Ctx) string {
	subject, _ := c.Locals(adminSubjectLocal).(string)
	return subject
}
