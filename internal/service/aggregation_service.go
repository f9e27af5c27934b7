package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/source"
)

// ErrAllSourcesFailed is returned when every source that could be attempted failed.
var ErrAllSourcesFailed = errors.New("all coursework sources failed")

// SourceState describes how one portal fared in a fetch cycle.
type SourceState string

const (
	SourceStateOK              SourceState = "ok"
	SourceStateUnauthenticated SourceState = "unauthenticated"
	SourceStateFailed          SourceState = "failed"
)

// SourceReport summarises one source in a fetch cycle or status check.
type SourceReport struct {
	Source models.Source `json:"source"`
	State  SourceState   `json:"state"`
	Count  int           `json:"count"`
	Error  string        `json:"error,omitempty"`
}

// Aggregation is the merged result of one fetch cycle.
type Aggregation struct {
	Assignments []models.CommonAssignment `json:"assignments"`
	Sources     []SourceReport            `json:"sources"`
	FetchedAt   time.Time                 `json:"fetched_at"`
	Cached      bool                      `json:"cached"`
}

// SessionResetter drops per-session derived state when a new fetch cycle starts.
type SessionResetter interface {
	ResetSession(sessionID string)
}

// AggregationService collects and merges coursework from every source.
type AggregationService interface {
	Aggregate(ctx context.Context, session source.Session, refresh bool) (Aggregation, error)
	SourceStatus(ctx context.Context, session source.Session) []SourceReport
}

type aggregationService struct {
	adapters []source.Adapter
	cache    *redis.Client
	cacheTTL time.Duration
	resetter SessionResetter
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewAggregationService wires the source adapters. quercus results are merged ahead of
// crowdmark results on ties. cache and resetter may be nil.
func NewAggregationService(quercus, crowdmark source.Adapter, cache *redis.Client, ttl time.Duration, resetter SessionResetter, logger zerolog.Logger) AggregationService {
	return &aggregationService{
		adapters: []source.Adapter{quercus, crowdmark},
		cache:    cache,
		cacheTTL: ttl,
		resetter: resetter,
		logger:   logger.With().Str("component", "aggregation_service").Logger(),
		tracer:   otel.Tracer("github.com/ryan11yuan/gravitas/internal/service/aggregation"),
		now:      time.Now,
	}
}

func (s *aggregationService) Aggregate(ctx context.Context, session source.Session, refresh bool) (Aggregation, error) {
	ctx, span := s.tracer.Start(ctx, "aggregation.aggregate", trace.WithAttributes(
		attribute.Bool("refresh", refresh),
	))
	defer span.End()

	cacheKey := fmt.Sprintf("assignments:session:%s", session.CacheKey())

	if refresh {
		if s.resetter != nil && session.ID != "" {
			s.resetter.ResetSession(session.ID)
		}
	} else if cached, ok := s.readCache(ctx, cacheKey); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cached, nil
	}

	lists := make([][]models.CommonAssignment, len(s.adapters))
	reports := make([]SourceReport, len(s.adapters))

	var group errgroup.Group
	for i, adapter := range s.adapters {
		group.Go(func() error {
			list, err := adapter.FetchAssignments(ctx, session)
			lists[i] = list
			reports[i] = s.report(adapter.Source(), len(list), err)
			return nil
		})
	}
	_ = group.Wait()

	attempted, failed := 0, 0
	for _, report := range reports {
		if report.State == SourceStateUnauthenticated {
			continue
		}
		attempted++
		if report.State == SourceStateFailed {
			failed++
		}
	}
	if attempted > 0 && failed == attempted {
		span.RecordError(ErrAllSourcesFailed)
		span.SetStatus(codes.Error, ErrAllSourcesFailed.Error())
		return Aggregation{Assignments: []models.CommonAssignment{}, Sources: reports, FetchedAt: s.now().UTC()}, ErrAllSourcesFailed
	}

	result := Aggregation{
		Assignments: MergeAssignments(lists[0], lists[1]),
		Sources:     reports,
		FetchedAt:   s.now().UTC(),
	}
	span.SetAttributes(attribute.Int("assignments", len(result.Assignments)))

	if failed == 0 {
		s.writeCache(ctx, cacheKey, result)
	}

	return result, nil
}

func (s *aggregationService) SourceStatus(ctx context.Context, session source.Session) []SourceReport {
	reports := make([]SourceReport, len(s.adapters))

	var group errgroup.Group
	for i, adapter := range s.adapters {
		group.Go(func() error {
			ok, err := adapter.Authenticated(ctx, session)
			switch {
			case err != nil:
				reports[i] = SourceReport{Source: adapter.Source(), State: SourceStateFailed, Error: err.Error()}
			case ok:
				reports[i] = SourceReport{Source: adapter.Source(), State: SourceStateOK}
			default:
				reports[i] = SourceReport{Source: adapter.Source(), State: SourceStateUnauthenticated}
			}
			return nil
		})
	}
	_ = group.Wait()

	return reports
}

func (s *aggregationService) report(src models.Source, count int, err error) SourceReport {
	switch {
	case err == nil:
		return SourceReport{Source: src, State: SourceStateOK, Count: count}
	case errors.Is(err, source.ErrNotAuthenticated):
		return SourceReport{Source: src, State: SourceStateUnauthenticated}
	default:
		s.logger.Warn().Err(err).Str("source", string(src)).Msg("source degraded to empty result")
		return SourceReport{Source: src, State: SourceStateFailed, Error: err.Error()}
	}
}

func (s *aggregationService) readCache(ctx context.Context, key string) (Aggregation, bool) {
	if s.cache == nil {
		return Aggregation{}, false
	}

	cached, err := s.cache.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn().Err(err).Msg("failed to read assignments cache")
		}
		return Aggregation{}, false
	}

	var result Aggregation
	if err := json.Unmarshal([]byte(cached), &result); err != nil {
		s.logger.Warn().Err(err).Msg("discarding unreadable assignments cache entry")
		return Aggregation{}, false
	}
	result.Cached = true
	return result, true
}

func (s *aggregationService) writeCache(ctx context.Context, key string, result Aggregation) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.cacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to store assignments cache")
	}
}
