package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/observability"
	"github.com/ryan11yuan/gravitas/internal/source"
	"github.com/ryan11yuan/gravitas/pkg/ai"
	"github.com/ryan11yuan/gravitas/pkg/extract"
)

// ErrCancelled is returned when the caller went away before results were applied.
var ErrCancelled = errors.New("enrichment cancelled")

const (
	// MaxDescriptionChars and MaxAttachmentChars bound each part of the estimator
	// input separately, so neither can crowd the other out.
	MaxDescriptionChars = 40000
	MaxAttachmentChars  = 40000
	// MinEstimatedHours is the floor applied to estimator time estimates.
	MinEstimatedHours = 0.25

	FallbackSummary = "Could not confidently analyze this assignment. Try again after providing more details or smaller attachments."
	FallbackHours   = 3.0
	FallbackScore   = 5.0
	NoDataSummary   = "No description or attachments were available to analyze."

	defaultEstimateTimeout = 45 * time.Second
)

// Enrichment outcomes recorded in metrics.
const (
	outcomeAnalyzed = "analyzed"
	outcomeFallback = "fallback"
	outcomeNoData   = "no_data"
	outcomeCached   = "cached"
)

// AttachmentReader loads extracted attachment text for an assignment.
type AttachmentReader interface {
	Attachments(ctx context.Context, assignment models.CommonAssignment) []source.Attachment
}

// FallbackAnalysis is applied whenever the estimator fails.
func FallbackAnalysis() models.Analysis {
	return models.Analysis{
		Summary:       FallbackSummary,
		Score:         FallbackScore,
		EstimatedTime: FallbackHours,
		Difficulty:    models.DifficultyFromScore(FallbackScore),
	}
}

// NoDataAnalysis is applied when there is nothing to analyze.
func NoDataAnalysis() models.Analysis {
	return models.Analysis{
		Summary:       NoDataSummary,
		Score:         models.AnalysisScoreMin,
		EstimatedTime: 0,
		Difficulty:    models.DifficultyFromScore(models.AnalysisScoreMin),
	}
}

// Pipeline owns the enrichment cache of one session. Each assignment id moves from
// unanalyzed to in flight to analyzed exactly once per fetch cycle.
type Pipeline struct {
	estimator  ai.Estimator
	timeout    time.Duration
	logger     zerolog.Logger
	onAnalyzed func(models.CommonAssignment, models.Analysis)

	mu         sync.RWMutex
	completed  map[string]models.Analysis
	generation uint64
	flights    singleflight.Group
	inflight   atomic.Int64
}

// NewPipeline builds an empty pipeline. onAnalyzed, when set, observes every newly
// completed analysis.
func NewPipeline(estimator ai.Estimator, timeout time.Duration, onAnalyzed func(models.CommonAssignment, models.Analysis), logger zerolog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = defaultEstimateTimeout
	}

	return &Pipeline{
		estimator:  estimator,
		timeout:    timeout,
		logger:     logger.With().Str("component", "enrichment_pipeline").Logger(),
		onAnalyzed: onAnalyzed,
		completed:  make(map[string]models.Analysis),
	}
}

// Completed returns the analysis for id if one has finished in this cycle.
func (p *Pipeline) Completed(id string) (models.Analysis, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	analysis, ok := p.completed[id]
	return analysis, ok
}

// Snapshot copies every completed analysis.
func (p *Pipeline) Snapshot() map[string]models.Analysis {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]models.Analysis, len(p.completed))
	for id, analysis := range p.completed {
		out[id] = analysis
	}
	return out
}

// Busy reports whether an estimate is still running.
func (p *Pipeline) Busy() bool {
	return p.inflight.Load() > 0
}

// Reset starts a new fetch cycle. Flights still running for the previous cycle finish
// but their results are not recorded.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.generation++
	p.completed = make(map[string]models.Analysis)
}

// Enrich returns the analysis for one assignment. It fails only with ErrCancelled when
// ctx ends before the analysis is available; the analysis still completes and is
// cached for later callers.
func (p *Pipeline) Enrich(ctx context.Context, assignment models.CommonAssignment, attachments AttachmentReader) (models.Analysis, error) {
	if analysis, ok := p.Completed(assignment.ID); ok {
		observability.EnrichmentOutcomes().WithLabelValues(outcomeCached).Inc()
		return analysis, nil
	}
	if ctx.Err() != nil {
		return models.Analysis{}, ErrCancelled
	}

	p.mu.RLock()
	generation := p.generation
	p.mu.RUnlock()

	key := fmt.Sprintf("%d:%s", generation, assignment.ID)
	detached := context.WithoutCancel(ctx)
	flight := p.flights.DoChan(key, func() (interface{}, error) {
		p.inflight.Add(1)
		defer p.inflight.Add(-1)

		if analysis, ok := p.Completed(assignment.ID); ok {
			return analysis, nil
		}

		runCtx, cancel := context.WithTimeout(detached, p.timeout)
		defer cancel()

		analysis := p.analyze(runCtx, assignment, attachments)
		return p.commit(generation, assignment, analysis), nil
	})

	select {
	case result := <-flight:
		return result.Val.(models.Analysis), nil
	case <-ctx.Done():
		return models.Analysis{}, ErrCancelled
	}
}

// EnrichBatch analyzes every assignment concurrently and returns them in input order.
// Results are discarded and ErrCancelled returned when ctx ends first.
func (p *Pipeline) EnrichBatch(ctx context.Context, assignments []models.CommonAssignment, attachments AttachmentReader) ([]models.AnalyzedAssignment, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]models.Analysis, len(assignments))
	)

	for _, assignment := range assignments {
		wg.Add(1)
		go func() {
			defer wg.Done()

			analysis, err := p.Enrich(ctx, assignment, attachments)
			if err != nil {
				return
			}
			mu.Lock()
			results[assignment.ID] = analysis
			mu.Unlock()
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	out := make([]models.AnalyzedAssignment, 0, len(assignments))
	for _, assignment := range assignments {
		analysis, ok := results[assignment.ID]
		if !ok {
			return nil, ErrCancelled
		}
		out = append(out, models.AnalyzedAssignment{CommonAssignment: assignment, Analysis: &analysis})
	}
	return out, nil
}

// Stream analyzes every assignment concurrently and emits each result as it completes.
// emit is never called concurrently and never after ctx ends; an emit error stops the
// stream and is returned.
func (p *Pipeline) Stream(ctx context.Context, assignments []models.CommonAssignment, attachments AttachmentReader, emit func(models.AnalyzedAssignment) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	completed := make(chan models.AnalyzedAssignment)
	var wg sync.WaitGroup
	for _, assignment := range assignments {
		wg.Add(1)
		go func() {
			defer wg.Done()

			analysis, err := p.Enrich(ctx, assignment, attachments)
			if err != nil {
				return
			}
			select {
			case completed <- models.AnalyzedAssignment{CommonAssignment: assignment, Analysis: &analysis}:
			case <-ctx.Done():
			}
		}()
	}
	go func() {
		wg.Wait()
		close(completed)
	}()

	var (
		streamErr error
		emitted   int
	)
	for item := range completed {
		if streamErr != nil {
			continue
		}
		if ctx.Err() != nil {
			streamErr = ErrCancelled
			continue
		}
		if err := emit(item); err != nil {
			streamErr = err
			cancel()
			continue
		}
		emitted++
	}

	if streamErr == nil && emitted < len(assignments) {
		return ErrCancelled
	}
	return streamErr
}

func (p *Pipeline) commit(generation uint64, assignment models.CommonAssignment, analysis models.Analysis) models.Analysis {
	p.mu.Lock()
	if generation != p.generation {
		p.mu.Unlock()
		return analysis
	}
	if existing, ok := p.completed[assignment.ID]; ok {
		p.mu.Unlock()
		return existing
	}
	p.completed[assignment.ID] = analysis
	p.mu.Unlock()

	if p.onAnalyzed != nil {
		p.onAnalyzed(assignment, analysis)
	}
	return analysis
}

func (p *Pipeline) analyze(ctx context.Context, assignment models.CommonAssignment, attachments AttachmentReader) models.Analysis {
	description := extract.Text(assignment.Description)

	var files []source.Attachment
	if attachments != nil {
		files = attachments.Attachments(ctx, assignment)
	}

	hasAttachmentText := false
	for _, file := range files {
		if strings.TrimSpace(file.Text) != "" {
			hasAttachmentText = true
			break
		}
	}

	if description == "" && !hasAttachmentText {
		observability.EnrichmentOutcomes().WithLabelValues(outcomeNoData).Inc()
		return NoDataAnalysis()
	}

	if p.estimator == nil {
		observability.EnrichmentOutcomes().WithLabelValues(outcomeFallback).Inc()
		return FallbackAnalysis()
	}

	estimate, err := p.estimator.Estimate(ctx, ai.EstimateInput{Context: BuildEstimateContext(assignment, description, files)})
	if err != nil {
		p.logger.Warn().Err(err).Str("assignment_id", assignment.ID).Msg("estimator failed, using fallback analysis")
		observability.EnrichmentOutcomes().WithLabelValues(outcomeFallback).Inc()
		return FallbackAnalysis()
	}

	observability.EnrichmentOutcomes().WithLabelValues(outcomeAnalyzed).Inc()
	return ValidateEstimate(estimate)
}

// ValidateEstimate clamps an estimator answer and derives the difficulty from the
// clamped score. The proposed label is ignored.
func ValidateEstimate(estimate ai.Estimate) models.Analysis {
	score := estimate.Score
	if math.IsNaN(score) {
		score = FallbackScore
	}
	score = math.Max(models.AnalysisScoreMin, math.Min(models.AnalysisScoreMax, score))

	hours := estimate.EstimatedTime
	if math.IsNaN(hours) || math.IsInf(hours, 0) {
		hours = FallbackHours
	}
	hours = math.Max(MinEstimatedHours, hours)

	summary := strings.TrimSpace(estimate.Summary)
	if summary == "" {
		summary = FallbackSummary
	}

	return models.Analysis{
		Summary:       summary,
		Score:         score,
		EstimatedTime: hours,
		Difficulty:    models.DifficultyFromScore(score),
	}
}

// BuildEstimateContext renders the estimator input. The description is cut to
// MaxDescriptionChars and the joined attachment text to MaxAttachmentChars.
func BuildEstimateContext(assignment models.CommonAssignment, description string, attachments []source.Attachment) string {
	var builder strings.Builder
	builder.WriteString("Title: " + assignment.Title + "\n")
	if assignment.Course != "" {
		builder.WriteString("Course: " + assignment.Course + "\n")
	}
	if assignment.DueAt != nil {
		builder.WriteString("Due At (ISO): " + assignment.DueAt.UTC().Format(time.RFC3339) + "\n")
	}
	builder.WriteString("\nDescription:\n")
	builder.WriteString(truncateRunes(description, MaxDescriptionChars))

	if len(attachments) > 0 {
		var files strings.Builder
		for i, attachment := range attachments {
			if i > 0 {
				files.WriteString("\n\n")
			}
			if attachment.Name != "" {
				files.WriteString("[" + attachment.Name + "]\n")
			}
			files.WriteString(attachment.Text)
		}

		builder.WriteString("\n\nAttached PDF Content (truncated if long):\n")
		builder.WriteString(truncateRunes(files.String(), MaxAttachmentChars))
	}

	return builder.String()
}

func truncateRunes(value string, limit int) string {
	if len(value) <= limit {
		return value
	}

	count := 0
	for idx := range value {
		if count == limit {
			return value[:idx]
		}
		count++
	}
	return value
}
