package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ryan11yuan/gravitas/internal/middleware"
	"github.com/ryan11yuan/gravitas/internal/service"
	"github.com/ryan11yuan/gravitas/internal/source"
	"github.com/ryan11yuan/gravitas/internal/utils"
)

// sessionFromRequest keys the session by token subject, then by the session header,
// then by a digest of the cookies.
func sessionFromRequest(c *fiber.Ctx) source.Session {
	id := ""
	if userID := middleware.UserID(c); userID != "" {
		id = "user:" + userID
	} else if sessionID := strings.TrimSpace(c.Get(middleware.HeaderSessionID)); sessionID != "" {
		id = "session:" + sessionID
	}

	return source.NewSession(id, c.Get(middleware.HeaderQuercusCookie), c.Get(middleware.HeaderCrowdmarkCookie))
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func validationDetails(err error) []string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		fields = append(fields, fieldErr.Field()+":"+fieldErr.Tag())
	}
	return fields
}

// sendAggregationError maps aggregation failures onto the propagation policy.
func sendAggregationError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	switch {
	case errors.Is(err, service.ErrAllSourcesFailed):
		return utils.SendError(c, fiber.StatusBadGateway, "all coursework sources failed")
	case errors.Is(err, context.Canceled), errors.Is(err, service.ErrCancelled):
		return utils.SendError(c, fiber.StatusRequestTimeout, "request cancelled")
	default:
		requestLogger(logger, c).Error().Err(err).Msg("failed to aggregate coursework")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load assignments")
	}
}
