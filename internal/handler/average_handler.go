package handler

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ryan11yuan/gravitas/internal/dto"
	"github.com/ryan11yuan/gravitas/internal/service"
	"github.com/ryan11yuan/gravitas/internal/source"
	"github.com/ryan11yuan/gravitas/internal/utils"
)

// AverageHandler exposes anonymized class averages.
type AverageHandler struct {
	service   service.ScoreShareService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAverageHandler constructs an averages handler.
func NewAverageHandler(service service.ScoreShareService, validator *validator.Validate, logger zerolog.Logger) *AverageHandler {
	return &AverageHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "average_handler").Logger(),
	}
}

// Register wires average routes. contributeGuards run in front of the contribution route.
func (h *AverageHandler) Register(router fiber.Router, contributeGuards ...fiber.Handler) {
	handlers := append([]fiber.Handler{}, contributeGuards...)
	router.Post("/averages/contribute", append(handlers, h.contribute)...)
	router.Get("/averages/:assignmentId", h.average)
}

func (h *AverageHandler) average(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("assignmentId"), 10, 64)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "assignmentId must be numeric")
	}
	req := dto.AverageRequest{AssignmentID: id}
	if err := h.validator.Struct(req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "assignmentId required", validationDetails(err))
	}

	average, err := h.service.Average(requestContext(c), req.AssignmentID)
	if err != nil {
		if errors.Is(err, service.ErrScoreSharingDisabled) {
			return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Int64("assignment_id", id).Msg("failed to read shared average")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to read average")
	}

	return utils.SendSuccess(c, "average retrieved", dto.NewAverageResponse(average))
}

func (h *AverageHandler) contribute(c *fiber.Ctx) error {
	result, err := h.service.Contribute(requestContext(c), sessionFromRequest(c))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrScoreSharingDisabled):
			return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
		case errors.Is(err, source.ErrNotAuthenticated):
			return utils.SendError(c, fiber.StatusUnauthorized, "quercus session is not authenticated")
		default:
			requestLogger(h.logger, c).Warn().Err(err).Msg("score contribution failed")
			return utils.SendError(c, fiber.StatusBadGateway, "failed to contribute scores")
		}
	}

	return utils.SendSuccess(c, "scores contributed", result)
}
