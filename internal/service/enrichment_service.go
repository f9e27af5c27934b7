package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/observability"
	"github.com/ryan11yuan/gravitas/internal/source"
	"github.com/ryan11yuan/gravitas/pkg/ai"
)

// ErrEstimatorUnavailable indicates no external estimator is configured.
var ErrEstimatorUnavailable = errors.New("assignment estimator is not configured")

const anonymousSessionKey = "anonymous"

// AnalysisPublisher fans completed analyses out to other consumers. *nats.Conn satisfies it.
type AnalysisPublisher interface {
	Publish(subject string, data []byte) error
}

// AnalysisEvent is published once per newly completed analysis.
type AnalysisEvent struct {
	Session      string          `json:"session"`
	AssignmentID string          `json:"assignment_id"`
	Source       models.Source   `json:"source"`
	Course       string          `json:"course"`
	Title        string          `json:"title"`
	Analysis     models.Analysis `json:"analysis"`
	AnalyzedAt   time.Time       `json:"analyzed_at"`
}

// EnrichmentService keeps one enrichment pipeline per session.
type EnrichmentService interface {
	Available() bool
	Analyze(ctx context.Context, session source.Session, assignments []models.CommonAssignment) ([]models.AnalyzedAssignment, error)
	Stream(ctx context.Context, session source.Session, assignments []models.CommonAssignment, emit func(models.AnalyzedAssignment) error) error
	Attach(session source.Session, assignments []models.CommonAssignment) []models.AnalyzedAssignment
	ResetSession(sessionID string)
}

// EnrichmentConfig collects the optional collaborators of the enrichment service.
type EnrichmentConfig struct {
	Estimator   ai.Estimator
	Attachments *source.AttachmentExtractor
	Timeout     time.Duration
	IdleTTL     time.Duration
	Publisher   AnalysisPublisher
	Subject     string
}

type sessionEntry struct {
	pipeline *Pipeline
	lastSeen time.Time
}

type enrichmentService struct {
	cfg    EnrichmentConfig
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// NewEnrichmentService creates the session registry. Sessions idle for longer than
// cfg.IdleTTL with no estimate running are dropped the next time the registry is touched.
func NewEnrichmentService(cfg EnrichmentConfig, logger zerolog.Logger) EnrichmentService {
	return &enrichmentService{
		cfg:      cfg,
		logger:   logger.With().Str("component", "enrichment_service").Logger(),
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
}

func (s *enrichmentService) Available() bool {
	return s.cfg.Estimator != nil
}

func (s *enrichmentService) Analyze(ctx context.Context, session source.Session, assignments []models.CommonAssignment) ([]models.AnalyzedAssignment, error) {
	if !s.Available() {
		return nil, ErrEstimatorUnavailable
	}

	return s.pipeline(session.ID).EnrichBatch(ctx, assignments, s.reader(session))
}

func (s *enrichmentService) Stream(ctx context.Context, session source.Session, assignments []models.CommonAssignment, emit func(models.AnalyzedAssignment) error) error {
	if !s.Available() {
		return ErrEstimatorUnavailable
	}

	return s.pipeline(session.ID).Stream(ctx, assignments, s.reader(session), emit)
}

// Attach joins already completed analyses without starting new work.
func (s *enrichmentService) Attach(session source.Session, assignments []models.CommonAssignment) []models.AnalyzedAssignment {
	completed := s.pipeline(session.ID).Snapshot()

	out := make([]models.AnalyzedAssignment, 0, len(assignments))
	for _, assignment := range assignments {
		item := models.AnalyzedAssignment{CommonAssignment: assignment}
		if analysis, ok := completed[assignment.ID]; ok {
			item.Analysis = &analysis
		}
		out = append(out, item)
	}
	return out
}

func (s *enrichmentService) ResetSession(sessionID string) {
	s.mu.Lock()
	entry, ok := s.sessions[sessionKey(sessionID)]
	s.mu.Unlock()

	if ok {
		entry.pipeline.Reset()
	}
}

func (s *enrichmentService) pipeline(sessionID string) *Pipeline {
	key := sessionKey(sessionID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictIdle(now)

	entry, ok := s.sessions[key]
	if !ok {
		entry = &sessionEntry{
			pipeline: NewPipeline(s.cfg.Estimator, s.cfg.Timeout, s.publishHook(key), s.logger),
		}
		s.sessions[key] = entry
		observability.EnrichmentSessions().Set(float64(len(s.sessions)))
	}
	entry.lastSeen = now

	return entry.pipeline
}

func (s *enrichmentService) evictIdle(now time.Time) {
	if s.cfg.IdleTTL <= 0 {
		return
	}

	for key, entry := range s.sessions {
		// A running estimate keeps its session alive so the result has somewhere to land.
		if entry.pipeline.Busy() {
			entry.lastSeen = now
			continue
		}
		if now.Sub(entry.lastSeen) > s.cfg.IdleTTL {
			delete(s.sessions, key)
		}
	}
	observability.EnrichmentSessions().Set(float64(len(s.sessions)))
}

func (s *enrichmentService) reader(session source.Session) AttachmentReader {
	if s.cfg.Attachments == nil {
		return nil
	}
	return s.cfg.Attachments.Bind(session)
}

func (s *enrichmentService) publishHook(sessionKey string) func(models.CommonAssignment, models.Analysis) {
	if s.cfg.Publisher == nil || s.cfg.Subject == "" {
		return nil
	}

	return func(assignment models.CommonAssignment, analysis models.Analysis) {
		event := AnalysisEvent{
			Session:      source.Session{ID: sessionKey}.CacheKey(),
			AssignmentID: assignment.ID,
			Source:       assignment.Source,
			Course:       assignment.Course,
			Title:        assignment.Title,
			Analysis:     analysis,
			AnalyzedAt:   s.now().UTC(),
		}

		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		if err := s.cfg.Publisher.Publish(s.cfg.Subject, payload); err != nil {
			s.logger.Warn().Err(err).Str("assignment_id", assignment.ID).Msg("failed to publish analysis event")
		}
	}
}

func sessionKey(sessionID string) string {
	if sessionID == "" {
		return anonymousSessionKey
	}
	return sessionID
}
