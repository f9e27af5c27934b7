package handler

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/ryan11yuan/gravitas/internal/dto"
	"github.com/ryan11yuan/gravitas/internal/middleware"
	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/service"
	"github.com/ryan11yuan/gravitas/internal/source"
	"github.com/ryan11yuan/gravitas/internal/utils"
)

// AssignmentHandler exposes the merged assignment list and its enrichment.
type AssignmentHandler struct {
	aggregation service.AggregationService
	enrichment  service.EnrichmentService
	validator   *validator.Validate
	logger      zerolog.Logger
}

// NewAssignmentHandler constructs an assignment handler.
func NewAssignmentHandler(aggregation service.AggregationService, enrichment service.EnrichmentService, validator *validator.Validate, logger zerolog.Logger) *AssignmentHandler {
	return &AssignmentHandler{
		aggregation: aggregation,
		enrichment:  enrichment,
		validator:   validator,
		logger:      logger.With().Str("component", "assignment_handler").Logger(),
	}
}

// Register wires assignment routes. analyzeGuards run in front of the scorer-backed routes.
func (h *AssignmentHandler) Register(router fiber.Router, analyzeGuards ...fiber.Handler) {
	router.Get("/sources/status", h.sourceStatus)
	router.Get("/assignments", h.list)

	analyze := router.Group("/assignments/analyze", analyzeGuards...)
	analyze.Post("", h.analyze)
	analyze.Use("/stream", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals("session", sessionFromRequest(c))
		c.Locals(middleware.LocalCorrelationID, middleware.GetCorrelationID(c))
		return c.Next()
	})
	analyze.Get("/stream", websocket.New(h.stream))
}

func (h *AssignmentHandler) sourceStatus(c *fiber.Ctx) error {
	reports := h.aggregation.SourceStatus(requestContext(c), sessionFromRequest(c))
	return utils.SendSuccess(c, "source status retrieved", reports)
}

func (h *AssignmentHandler) list(c *fiber.Ctx) error {
	aggregation, err := h.aggregation.Aggregate(requestContext(c), sessionFromRequest(c), c.QueryBool("refresh"))
	if err != nil {
		return sendAggregationError(c, h.logger, err)
	}

	meta := dto.NewAssignmentListMeta(aggregation, len(aggregation.Assignments))
	return utils.OK(c, aggregation.Assignments, "assignments retrieved", meta)
}

func (h *AssignmentHandler) analyze(c *fiber.Ctx) error {
	var req dto.AnalyzeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid analyze payload")
		}
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid analyze payload", validationDetails(err))
	}
	if !h.enrichment.Available() {
		return utils.SendError(c, fiber.StatusServiceUnavailable, service.ErrEstimatorUnavailable.Error())
	}

	ctx := requestContext(c)
	session := sessionFromRequest(c)

	aggregation, err := h.aggregation.Aggregate(ctx, session, req.Refresh)
	if err != nil {
		return sendAggregationError(c, h.logger, err)
	}

	selected, unknown := selectAssignments(aggregation.Assignments, req.IDs)
	analyzed, err := h.enrichment.Analyze(ctx, session, selected)
	if err != nil {
		if errors.Is(err, service.ErrEstimatorUnavailable) {
			return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
		}
		return sendAggregationError(c, h.logger, err)
	}

	meta := dto.NewAssignmentListMeta(aggregation, len(analyzed))
	meta.UnknownIDs = unknown
	return utils.OK(c, analyzed, "assignments analyzed", meta)
}

func (h *AssignmentHandler) stream(conn *websocket.Conn) {
	session, _ := conn.Locals("session").(source.Session)
	correlation, _ := conn.Locals(middleware.LocalCorrelationID).(string)
	logger := h.logger.With().Str("correlation_id", correlation).Logger()

	ctx, cancel := context.WithCancel(middleware.ContextWithCorrelation(context.Background(), correlation))

	// Any inbound frame error means the client went away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var (
		writeMu   sync.Mutex
		closeOnce sync.Once
	)
	send := func(message dto.StreamMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(message)
	}
	closeWith := func(code int, reason string) {
		closeOnce.Do(func() {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			_ = conn.Close()
		})
	}

	// The conn goes back to the pool once this handler returns, so the reader
	// must have exited by then. Closing the conn unblocks its pending read.
	defer func() {
		closeWith(websocket.CloseNormalClosure, "")
		cancel()
		<-readerDone
	}()

	if !h.enrichment.Available() {
		_ = send(dto.StreamMessage{Type: dto.StreamTypeError, Error: service.ErrEstimatorUnavailable.Error()})
		closeWith(websocket.CloseTryAgainLater, "estimator unavailable")
		return
	}

	aggregation, err := h.aggregation.Aggregate(ctx, session, conn.Query("refresh") == "true")
	if err != nil {
		_ = send(dto.StreamMessage{Type: dto.StreamTypeError, Error: err.Error()})
		closeWith(websocket.CloseInternalServerErr, "aggregation failed")
		return
	}

	selected, unknown := selectAssignments(aggregation.Assignments, splitAndTrim(conn.Query("ids")))
	meta := dto.NewAssignmentListMeta(aggregation, len(selected))
	meta.UnknownIDs = unknown
	if err := send(dto.StreamMessage{Type: dto.StreamTypeStart, Data: meta}); err != nil {
		return
	}

	err = h.enrichment.Stream(ctx, session, selected, func(item models.AnalyzedAssignment) error {
		return send(dto.StreamMessage{Type: dto.StreamTypeAnalysis, Data: item})
	})
	if err != nil {
		logger.Info().Err(err).Msg("analysis stream ended early")
		return
	}

	_ = send(dto.StreamMessage{Type: dto.StreamTypeDone})
	closeWith(websocket.CloseNormalClosure, "done")
}

// selectAssignments keeps the requested ids in list order. An empty request selects all.
func selectAssignments(list []models.CommonAssignment, requested []string) ([]models.CommonAssignment, []string) {
	if len(requested) == 0 {
		return list, nil
	}

	wanted := make(map[string]bool, len(requested))
	for _, id := range requested {
		wanted[id] = false
	}

	selected := make([]models.CommonAssignment, 0, len(requested))
	for _, assignment := range list {
		if _, ok := wanted[assignment.ID]; ok {
			wanted[assignment.ID] = true
			selected = append(selected, assignment)
		}
	}

	var unknown []string
	for _, id := range requested {
		if found, ok := wanted[id]; ok && !found {
			unknown = append(unknown, id)
			delete(wanted, id)
		}
	}
	return selected, unknown
}

func splitAndTrim(input string) []string {
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
