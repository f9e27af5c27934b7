package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ryan11yuan/gravitas/internal/utils"
)

// CredentialOptions configures the WithCredentials helper.
type CredentialOptions struct {
	// Headers lists session headers that must be non-empty.
	Headers     []string
	RequireUser bool
}

// WithCredentials wraps a handler with guards on the captured session material.
func WithCredentials(handler fiber.Handler, opts CredentialOptions) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if opts.RequireUser && UserID(c) == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}

		missing := make([]string, 0)
		for _, header := range opts.Headers {
			if strings.TrimSpace(c.Get(header)) == "" {
				missing = append(missing, header)
			}
		}
		if len(missing) > 0 {
			return utils.Fail(c, fiber.StatusUnauthorized, "portal session missing", fiber.Map{"missing_headers": missing})
		}

		return handler(c)
	}
}
