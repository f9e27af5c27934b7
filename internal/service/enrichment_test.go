package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/source"
	"github.com/ryan11yuan/gravitas/pkg/ai"
)

type stubEstimator struct {
	calls    int32
	estimate ai.Estimate
	err      error
	started  chan struct{}
	release  chan struct{}

	mu     sync.Mutex
	inputs []string
}

func (s *stubEstimator) Estimate(ctx context.Context, input ai.EstimateInput) (ai.Estimate, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	s.inputs = append(s.inputs, input.Context)
	s.mu.Unlock()

	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ai.Estimate{}, ctx.Err()
		}
	}
	return s.estimate, s.err
}

func (s *stubEstimator) count() int {
	return int(atomic.LoadInt32(&s.calls))
}

type stubAttachments map[string][]source.Attachment

func (s stubAttachments) Attachments(_ context.Context, assignment models.CommonAssignment) []source.Attachment {
	return s[assignment.ID]
}

func sampleAssignment(id string) models.CommonAssignment {
	return models.CommonAssignment{
		ID:          id,
		Source:      models.SourceQuercus,
		Course:      "CSC263",
		Title:       "Problem Set " + id,
		Description: "<p>Prove the <b>heap</b> invariant.</p>",
		DueAt:       dueAt("2025-11-01"),
	}
}

func newTestPipeline(estimator ai.Estimator) *Pipeline {
	return NewPipeline(estimator, time.Second, nil, zerolog.Nop())
}

func TestPipelineShortCircuitsWithoutData(t *testing.T) {
	estimator := &stubEstimator{estimate: ai.Estimate{Summary: "x", Score: 9, EstimatedTime: 9}}
	pipeline := newTestPipeline(estimator)

	assignment := sampleAssignment("quercus:1")
	assignment.Description = "<p>&nbsp;</p>"

	analysis, err := pipeline.Enrich(context.Background(), assignment, nil)
	require.NoError(t, err)
	require.Equal(t, NoDataAnalysis(), analysis)
	require.Equal(t, 0.0, analysis.EstimatedTime)
	require.Equal(t, models.DifficultyVeryEasy, analysis.Difficulty)
	require.Zero(t, estimator.count())
}

func TestPipelineUsesAttachmentTextWhenDescriptionEmpty(t *testing.T) {
	estimator := &stubEstimator{estimate: ai.Estimate{Summary: "Read the handout.", Score: 3, EstimatedTime: 2}}
	pipeline := newTestPipeline(estimator)

	assignment := sampleAssignment("quercus:2")
	assignment.Description = ""
	reader := stubAttachments{"quercus:2": {{FileID: 9, Name: "handout.pdf", Text: "Question 1: sort"}}}

	analysis, err := pipeline.Enrich(context.Background(), assignment, reader)
	require.NoError(t, err)
	require.Equal(t, "Read the handout.", analysis.Summary)
	require.Equal(t, 1, estimator.count())
	require.Contains(t, estimator.inputs[0], "Attached PDF Content (truncated if long):")
	require.Contains(t, estimator.inputs[0], "[handout.pdf]\nQuestion 1: sort")
}

func TestPipelineFallsBackOnMalformedOutput(t *testing.T) {
	_, parseErr := ai.ParseEstimate("I think this is pretty hard, maybe 5 hours")
	require.ErrorIs(t, parseErr, ai.ErrNoJSONObject)

	estimator := &stubEstimator{err: parseErr}
	pipeline := newTestPipeline(estimator)

	analysis, err := pipeline.Enrich(context.Background(), sampleAssignment("quercus:3"), nil)
	require.NoError(t, err)
	require.Equal(t, FallbackAnalysis(), analysis)
	require.Equal(t, models.DifficultyMedium, analysis.Difficulty)
	require.Equal(t, 1, estimator.count())
}

func TestPipelineClampsEstimatorAnswer(t *testing.T) {
	estimator := &stubEstimator{estimate: ai.Estimate{Summary: " Long proof. ", Score: 14, EstimatedTime: 0.1, Difficulty: "trivial"}}
	pipeline := newTestPipeline(estimator)

	analysis, err := pipeline.Enrich(context.Background(), sampleAssignment("quercus:4"), nil)
	require.NoError(t, err)
	require.Equal(t, models.Analysis{
		Summary:       "Long proof.",
		Score:         10,
		EstimatedTime: MinEstimatedHours,
		Difficulty:    models.DifficultyVeryHard,
	}, analysis)
}

func TestPipelineDeduplicatesConcurrentRequests(t *testing.T) {
	estimator := &stubEstimator{
		estimate: ai.Estimate{Summary: "Heap proofs.", Score: 6.5, EstimatedTime: 4},
		started:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	pipeline := newTestPipeline(estimator)
	assignment := sampleAssignment("quercus:5")

	const callers = 8
	results := make([]models.Analysis, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			analysis, err := pipeline.Enrich(context.Background(), assignment, nil)
			require.NoError(t, err)
			results[i] = analysis
		}()
	}

	<-estimator.started
	time.Sleep(20 * time.Millisecond)
	close(estimator.release)
	wg.Wait()

	for _, analysis := range results {
		require.Equal(t, results[0], analysis)
	}
	require.Equal(t, models.DifficultyHard, results[0].Difficulty)

	again, err := pipeline.Enrich(context.Background(), assignment, nil)
	require.NoError(t, err)
	require.Equal(t, results[0], again)
	require.Equal(t, 1, estimator.count())
}

func TestEnrichBatchPreservesInputOrder(t *testing.T) {
	estimator := &stubEstimator{estimate: ai.Estimate{Summary: "ok", Score: 1, EstimatedTime: 1}}
	pipeline := newTestPipeline(estimator)

	list := []models.CommonAssignment{sampleAssignment("quercus:b"), sampleAssignment("quercus:a"), sampleAssignment("crowdmark:c")}
	result, err := pipeline.EnrichBatch(context.Background(), list, nil)
	require.NoError(t, err)
	require.Len(t, result, 3)
	for i, item := range result {
		require.Equal(t, list[i].ID, item.ID)
		require.NotNil(t, item.Analysis)
		require.Equal(t, models.DifficultyVeryEasy, item.Analysis.Difficulty)
	}
	require.Len(t, pipeline.Snapshot(), 3)
}

func TestEnrichBatchCancelledDiscardsResults(t *testing.T) {
	estimator := &stubEstimator{
		estimate: ai.Estimate{Summary: "late", Score: 2, EstimatedTime: 1},
		started:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	pipeline := newTestPipeline(estimator)
	assignment := sampleAssignment("quercus:6")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		result, err := pipeline.EnrichBatch(ctx, []models.CommonAssignment{assignment}, nil)
		require.Nil(t, result)
		done <- err
	}()

	<-estimator.started
	cancel()
	require.ErrorIs(t, <-done, ErrCancelled)

	close(estimator.release)
	require.Eventually(t, func() bool {
		_, ok := pipeline.Completed(assignment.ID)
		return ok
	}, time.Second, 5*time.Millisecond)

	analysis, err := pipeline.Enrich(context.Background(), assignment, nil)
	require.NoError(t, err)
	require.Equal(t, "late", analysis.Summary)
	require.Equal(t, 1, estimator.count())
}

func TestPipelineResetStartsNewCycle(t *testing.T) {
	estimator := &stubEstimator{estimate: ai.Estimate{Summary: "ok", Score: 5, EstimatedTime: 1}}
	pipeline := newTestPipeline(estimator)
	assignment := sampleAssignment("quercus:7")

	_, err := pipeline.Enrich(context.Background(), assignment, nil)
	require.NoError(t, err)
	pipeline.Reset()
	_, ok := pipeline.Completed(assignment.ID)
	require.False(t, ok)

	_, err = pipeline.Enrich(context.Background(), assignment, nil)
	require.NoError(t, err)
	require.Equal(t, 2, estimator.count())
}

func TestPipelineResetDropsStaleFlight(t *testing.T) {
	estimator := &stubEstimator{
		estimate: ai.Estimate{Summary: "stale", Score: 5, EstimatedTime: 1},
		started:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	pipeline := newTestPipeline(estimator)
	assignment := sampleAssignment("quercus:8")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = pipeline.Enrich(context.Background(), assignment, nil)
	}()

	<-estimator.started
	pipeline.Reset()
	close(estimator.release)
	<-done

	_, ok := pipeline.Completed(assignment.ID)
	require.False(t, ok)
}

func TestPipelineStreamEmitsEveryAssignment(t *testing.T) {
	estimator := &stubEstimator{estimate: ai.Estimate{Summary: "ok", Score: 8, EstimatedTime: 3}}
	pipeline := newTestPipeline(estimator)
	list := []models.CommonAssignment{sampleAssignment("quercus:s1"), sampleAssignment("quercus:s2"), sampleAssignment("quercus:s3")}

	seen := map[string]bool{}
	err := pipeline.Stream(context.Background(), list, nil, func(item models.AnalyzedAssignment) error {
		require.NotNil(t, item.Analysis)
		seen[item.ID] = true
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
}

func TestPipelineStreamStopsOnEmitError(t *testing.T) {
	estimator := &stubEstimator{estimate: ai.Estimate{Summary: "ok", Score: 8, EstimatedTime: 3}}
	pipeline := newTestPipeline(estimator)
	list := []models.CommonAssignment{sampleAssignment("quercus:e1"), sampleAssignment("quercus:e2")}

	closed := errors.New("socket closed")
	emitted := 0
	err := pipeline.Stream(context.Background(), list, nil, func(models.AnalyzedAssignment) error {
		emitted++
		return closed
	})
	require.ErrorIs(t, err, closed)
	require.Equal(t, 1, emitted)
}

func TestPipelineStreamCancelled(t *testing.T) {
	estimator := &stubEstimator{estimate: ai.Estimate{Summary: "ok"}, release: make(chan struct{})}
	defer close(estimator.release)
	pipeline := newTestPipeline(estimator)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := pipeline.Stream(ctx, []models.CommonAssignment{sampleAssignment("quercus:c1")}, nil, func(models.AnalyzedAssignment) error {
		t.Fatal("emit after cancellation")
		return nil
	})
	require.ErrorIs(t, err, ErrCancelled)
}

func TestBuildEstimateContextTruncates(t *testing.T) {
	assignment := sampleAssignment("quercus:9")
	text := BuildEstimateContext(assignment, "Prove it.", nil)
	require.True(t, strings.HasPrefix(text, "Title: Problem Set quercus:9\nCourse: CSC263\nDue At (ISO): 2025-11-01T00:00:00Z\n"))
	require.Contains(t, text, "Description:\nProve it.")
	require.NotContains(t, text, "Attached PDF Content")

	long := BuildEstimateContext(assignment, strings.Repeat("é", MaxDescriptionChars+500), nil)
	require.Equal(t, MaxDescriptionChars, strings.Count(long, "é"))
}

func TestBuildEstimateContextKeepsAttachmentsAfterLongDescription(t *testing.T) {
	assignment := sampleAssignment("quercus:9")
	files := []source.Attachment{
		{FileID: 1, Name: "handout.pdf", Text: "Question 1: build a heap"},
		{FileID: 2, Name: "appendix.pdf", Text: strings.Repeat("x", MaxAttachmentChars)},
	}

	text := BuildEstimateContext(assignment, strings.Repeat("é", MaxDescriptionChars*2), files)
	require.Equal(t, MaxDescriptionChars, strings.Count(text, "é"))
	require.Contains(t, text, "Attached PDF Content (truncated if long):\n[handout.pdf]\nQuestion 1: build a heap\n\n[appendix.pdf]\n")

	attached := text[strings.Index(text, "Attached PDF Content (truncated if long):\n")+len("Attached PDF Content (truncated if long):\n"):]
	require.Equal(t, MaxAttachmentChars, len([]rune(attached)))
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestEnrichmentServiceRequiresEstimator(t *testing.T) {
	svc := NewEnrichmentService(EnrichmentConfig{}, zerolog.Nop())
	require.False(t, svc.Available())

	_, err := svc.Analyze(context.Background(), source.NewSession("s1", "q", ""), nil)
	require.ErrorIs(t, err, ErrEstimatorUnavailable)
}

func TestEnrichmentServicePublishesAndAttaches(t *testing.T) {
	estimator := &stubEstimator{estimate: ai.Estimate{Summary: "Heaps.", Score: 4, EstimatedTime: 2}}
	publisher := &recordingPublisher{}
	svc := NewEnrichmentService(EnrichmentConfig{
		Estimator: estimator,
		Publisher: publisher,
		Subject:   "gravitas.analysis",
	}, zerolog.Nop())

	session := source.NewSession("s1", "q", "")
	analyzedOne := sampleAssignment("quercus:p1")
	pending := sampleAssignment("quercus:p2")

	_, err := svc.Analyze(context.Background(), session, []models.CommonAssignment{analyzedOne})
	require.NoError(t, err)

	require.Len(t, publisher.payloads, 1)
	require.Equal(t, "gravitas.analysis", publisher.subjects[0])
	var event AnalysisEvent
	require.NoError(t, json.Unmarshal(publisher.payloads[0], &event))
	require.Equal(t, "quercus:p1", event.AssignmentID)
	require.Equal(t, models.DifficultyMedium, event.Analysis.Difficulty)
	require.NotEqual(t, "s1", event.Session)

	attached := svc.Attach(session, []models.CommonAssignment{analyzedOne, pending})
	require.NotNil(t, attached[0].Analysis)
	require.Nil(t, attached[1].Analysis)

	other := svc.Attach(source.NewSession("s2", "q", ""), []models.CommonAssignment{analyzedOne})
	require.Nil(t, other[0].Analysis)

	svc.ResetSession("s1")
	attached = svc.Attach(session, []models.CommonAssignment{analyzedOne})
	require.Nil(t, attached[0].Analysis)
}

func TestEnrichmentServiceEvictsIdleSessions(t *testing.T) {
	estimator := &stubEstimator{estimate: ai.Estimate{Summary: "ok", Score: 1, EstimatedTime: 1}}
	svc := NewEnrichmentService(EnrichmentConfig{Estimator: estimator, IdleTTL: time.Minute}, zerolog.Nop()).(*enrichmentService)

	clock := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	session := source.NewSession("idle", "q", "")
	list := []models.CommonAssignment{sampleAssignment("quercus:i1")}
	_, err := svc.Analyze(context.Background(), session, list)
	require.NoError(t, err)
	require.NotNil(t, svc.Attach(session, list)[0].Analysis)

	clock = clock.Add(2 * time.Minute)
	require.Nil(t, svc.Attach(session, list)[0].Analysis)
}

func TestEnrichmentServiceKeepsSessionsWithRunningEstimates(t *testing.T) {
	estimator := &stubEstimator{
		estimate: ai.Estimate{Summary: "ok", Score: 4, EstimatedTime: 2},
		started:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	svc := NewEnrichmentService(EnrichmentConfig{Estimator: estimator, IdleTTL: time.Minute}, zerolog.Nop()).(*enrichmentService)

	var clockMu sync.Mutex
	clock := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		clock = clock.Add(d)
		clockMu.Unlock()
	}

	session := source.NewSession("slow", "q", "")
	list := []models.CommonAssignment{sampleAssignment("quercus:s1")}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Analyze(context.Background(), session, list)
		done <- err
	}()

	select {
	case <-estimator.started:
	case <-time.After(2 * time.Second):
		t.Fatal("estimator never started")
	}

	advance(5 * time.Minute)
	require.Nil(t, svc.Attach(session, list)[0].Analysis)

	close(estimator.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("analysis never finished")
	}

	advance(30 * time.Second)
	attached := svc.Attach(session, list)
	require.NotNil(t, attached[0].Analysis)
	require.Equal(t, 4.0, attached[0].Analysis.Score)

	_, err := svc.Analyze(context.Background(), session, list)
	require.NoError(t, err)
	require.Equal(t, 1, estimator.count())
}
