package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ryan11yuan/gravitas/internal/config"
	"github.com/ryan11yuan/gravitas/internal/handler"
	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/repository"
	"github.com/ryan11yuan/gravitas/internal/router"
	"github.com/ryan11yuan/gravitas/internal/service"
	"github.com/ryan11yuan/gravitas/internal/source"
)

type stubAggregation struct {
	mu       sync.Mutex
	result   service.Aggregation
	err      error
	sessions []source.Session
	refresh  []bool
}

func (s *stubAggregation) Aggregate(_ context.Context, session source.Session, refresh bool) (service.Aggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, session)
	s.refresh = append(s.refresh, refresh)
	return s.result, s.err
}

func (s *stubAggregation) SourceStatus(context.Context, source.Session) []service.SourceReport {
	return s.result.Sources
}

type stubEnrichment struct {
	available bool
	analysis  models.Analysis
}

func (s *stubEnrichment) Available() bool {
	return s.available
}

func (s *stubEnrichment) Analyze(_ context.Context, _ source.Session, list []models.CommonAssignment) ([]models.AnalyzedAssignment, error) {
	out := make([]models.AnalyzedAssignment, 0, len(list))
	for _, assignment := range list {
		analysis := s.analysis
		out = append(out, models.AnalyzedAssignment{CommonAssignment: assignment, Analysis: &analysis})
	}
	return out, nil
}

func (s *stubEnrichment) Stream(ctx context.Context, session source.Session, list []models.CommonAssignment, emit func(models.AnalyzedAssignment) error) error {
	analyzed, _ := s.Analyze(ctx, session, list)
	for _, item := range analyzed {
		if err := emit(item); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubEnrichment) Attach(_ source.Session, list []models.CommonAssignment) []models.AnalyzedAssignment {
	out := make([]models.AnalyzedAssignment, 0, len(list))
	for _, assignment := range list {
		out = append(out, models.AnalyzedAssignment{CommonAssignment: assignment})
	}
	return out
}

func (s *stubEnrichment) ResetSession(string) {}

type stubDashboard struct {
	result  service.Dashboard
	err     error
	queries []service.DashboardQuery
}

func (s *stubDashboard) GetDashboard(_ context.Context, _ source.Session, query service.DashboardQuery) (service.Dashboard, error) {
	s.queries = append(s.queries, query)
	return s.result, s.err
}

func (s *stubDashboard) Export(_ context.Context, _ source.Session, query service.DashboardQuery) ([]byte, error) {
	s.queries = append(s.queries, query)
	return []byte("PK\x03\x04workbook"), s.err
}

type stubScoreShare struct {
	enabled  bool
	average  repository.ScoreAverage
	result   service.ContributionResult
	err      error
	sessions []source.Session
}

func (s *stubScoreShare) Enabled() bool {
	return s.enabled
}

func (s *stubScoreShare) Contribute(_ context.Context, session source.Session) (service.ContributionResult, error) {
	s.sessions = append(s.sessions, session)
	return s.result, s.err
}

func (s *stubScoreShare) Average(_ context.Context, assignmentID int64) (repository.ScoreAverage, error) {
	average := s.average
	average.AssignmentID = assignmentID
	return average, s.err
}

type testServices struct {
	aggregation *stubAggregation
	enrichment  *stubEnrichment
	dashboard   *stubDashboard
	scores      *stubScoreShare
}

func fixtureAssignments() []models.CommonAssignment {
	due := time.Date(2025, 10, 10, 23, 59, 0, 0, time.UTC)
	points := 0.8
	return []models.CommonAssignment{
		{ID: "crowdmark:a", Source: models.SourceCrowdmark, Course: "STA247", Title: "Assignment 1", DueAt: &due, Points: &points, Graded: true},
		{ID: "quercus:1", Source: models.SourceQuercus, Course: "MAT237", Title: "Problem Set 2"},
	}
}

func newTestServices() *testServices {
	return &testServices{
		aggregation: &stubAggregation{result: service.Aggregation{
			Assignments: fixtureAssignments(),
			Sources: []service.SourceReport{
				{Source: models.SourceQuercus, State: service.SourceStateOK, Count: 1},
				{Source: models.SourceCrowdmark, State: service.SourceStateOK, Count: 1},
			},
			FetchedAt: time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC),
		}},
		enrichment: &stubEnrichment{available: true, analysis: models.Analysis{Summary: "Probability basics", Score: 3, EstimatedTime: 2, Difficulty: models.DifficultyEasy}},
		dashboard:  &stubDashboard{},
		scores:     &stubScoreShare{enabled: true},
	}
}

func setupApp(t *testing.T, services *testServices) *fiber.App {
	t.Helper()

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.New(io.Discard)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", AppEnv: "test", AIProvider: config.AIProviderOpenAI}, router.Dependencies{
		AssignmentHandler: handler.NewAssignmentHandler(services.aggregation, services.enrichment, validate, logger),
		DashboardHandler:  handler.NewDashboardHandler(services.dashboard, validate, logger),
		AverageHandler:    handler.NewAverageHandler(services.scores, validate, logger),
	})
	return app
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()

	var body envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func newRequest(method, target, body string, headers map[string]string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return req
}
