package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ryan11yuan/gravitas/internal/config"
	"github.com/ryan11yuan/gravitas/internal/handler"
	"github.com/ryan11yuan/gravitas/internal/middleware"
	"github.com/ryan11yuan/gravitas/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AssignmentHandler *handler.AssignmentHandler
	DashboardHandler  *handler.DashboardHandler
	AverageHandler    *handler.AverageHandler
	JWTMiddleware     fiber.Handler
	AnalyzeLimiter    fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	api.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	secured := api.Group("", jwtMiddleware)

	if deps.AssignmentHandler != nil {
		var guards []fiber.Handler
		if deps.AnalyzeLimiter != nil {
			guards = append(guards, deps.AnalyzeLimiter)
		}
		deps.AssignmentHandler.Register(secured, guards...)
	}

	if deps.DashboardHandler != nil {
		deps.DashboardHandler.Register(secured)
	}

	if deps.AverageHandler != nil {
		quercusSession := middleware.WithCredentials(func(c *fiber.Ctx) error { return c.Next() }, middleware.CredentialOptions{
			Headers: []string{middleware.HeaderQuercusCookie},
		})
		deps.AverageHandler.Register(secured, quercusSession)
	}
}
