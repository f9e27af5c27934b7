package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ryan11yuan/gravitas/internal/dto"
	"github.com/ryan11yuan/gravitas/internal/priority"
	"github.com/ryan11yuan/gravitas/internal/service"
	"github.com/ryan11yuan/gravitas/internal/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// DashboardHandler serves the prioritized dashboard.
type DashboardHandler struct {
	service   service.DashboardService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewDashboardHandler constructs a dashboard handler.
func NewDashboardHandler(service service.DashboardService, validator *validator.Validate, logger zerolog.Logger) *DashboardHandler {
	return &DashboardHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "dashboard_handler").Logger(),
	}
}

// Register wires dashboard routes.
func (h *DashboardHandler) Register(router fiber.Router) {
	router.Get("/dashboard", h.dashboard)
	router.Get("/dashboard/export", h.export)
}

func (h *DashboardHandler) dashboard(c *fiber.Ctx) error {
	req, query, err := h.parseQuery(c)
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid dashboard query", validationDetails(err))
	}

	result, err := h.service.GetDashboard(requestContext(c), sessionFromRequest(c), query)
	if err != nil {
		return sendAggregationError(c, h.logger, err)
	}

	meta := fiber.Map{
		"summary":    result.Summary,
		"sources":    result.Sources,
		"fetched_at": result.FetchedAt,
		"cached":     result.Cached,
		"filters": dto.DashboardFilters{
			Search:     strings.TrimSpace(req.Search),
			Difficulty: string(query.Bucket),
			Sort:       string(query.Sort),
		},
	}
	return utils.OK(c, result.Items, "dashboard retrieved", meta)
}

func (h *DashboardHandler) export(c *fiber.Ctx) error {
	_, query, err := h.parseQuery(c)
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid dashboard query", validationDetails(err))
	}

	data, err := h.service.Export(requestContext(c), sessionFromRequest(c), query)
	if err != nil {
		return sendAggregationError(c, h.logger, err)
	}

	filename := fmt.Sprintf("gravitas-dashboard-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Set(fiber.HeaderContentType, xlsxContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Status(fiber.StatusOK).Send(data)
}

func (h *DashboardHandler) parseQuery(c *fiber.Ctx) (dto.DashboardRequest, service.DashboardQuery, error) {
	var req dto.DashboardRequest
	if err := c.QueryParser(&req); err != nil {
		return req, service.DashboardQuery{}, err
	}
	if err := h.validator.Struct(req); err != nil {
		return req, service.DashboardQuery{}, err
	}

	sortKey, ok := service.ParseDashboardSort(req.Sort)
	if !ok {
		return req, service.DashboardQuery{}, fmt.Errorf("unknown sort %q", req.Sort)
	}

	query := service.DashboardQuery{
		Search:  req.Search,
		Sort:    sortKey,
		Refresh: req.Refresh,
	}
	if bucket, ok := priority.ParseBucket(req.Difficulty); ok {
		query.Bucket = bucket
	}
	return req, query, nil
}
