package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/repository"
	"github.com/ryan11yuan/gravitas/internal/source"
)

// ErrScoreSharingDisabled indicates no hash secret is configured.
var ErrScoreSharingDisabled = errors.New("score sharing is disabled")

// QuercusGrades is the raw Quercus access needed to read a student's own grades.
type QuercusGrades interface {
	User(ctx context.Context, session source.Session) (source.QuercusUser, error)
	Courses(ctx context.Context, session source.Session) ([]source.QuercusCourse, error)
	CourseAssignments(ctx context.Context, session source.Session, courseID int64) ([]source.QuercusAssignment, error)
}

// ContributionResult summarises one contribution run.
type ContributionResult struct {
	Processed      int `json:"processed"`
	Upserts        int `json:"upserts"`
	SkippedNoScore int `json:"skipped_no_score"`
}

// ScoreShareService pools anonymized grades into shared class averages.
type ScoreShareService interface {
	Enabled() bool
	Contribute(ctx context.Context, session source.Session) (ContributionResult, error)
	Average(ctx context.Context, assignmentID int64) (repository.ScoreAverage, error)
}

type scoreShareService struct {
	quercus QuercusGrades
	repo    repository.ScoreRepository
	secret  []byte
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewScoreShareService constructs the service. An empty secret disables contributions.
func NewScoreShareService(quercus QuercusGrades, repo repository.ScoreRepository, secret string, logger zerolog.Logger) ScoreShareService {
	return &scoreShareService{
		quercus: quercus,
		repo:    repo,
		secret:  []byte(secret),
		logger:  logger.With().Str("component", "score_share_service").Logger(),
		tracer:  otel.Tracer("github.com/ryan11yuan/gravitas/internal/service/scoreshare"),
	}
}

func (s *scoreShareService) Enabled() bool {
	return len(s.secret) > 0 && s.repo != nil
}

func (s *scoreShareService) Contribute(ctx context.Context, session source.Session) (ContributionResult, error) {
	if !s.Enabled() {
		return ContributionResult{}, ErrScoreSharingDisabled
	}

	ctx, span := s.tracer.Start(ctx, "scoreshare.contribute")
	defer span.End()

	user, err := s.quercus.User(ctx, session)
	if err != nil {
		return ContributionResult{}, s.fail(span, fmt.Errorf("fetch quercus user: %w", err))
	}
	courses, err := s.quercus.Courses(ctx, session)
	if err != nil {
		return ContributionResult{}, s.fail(span, fmt.Errorf("fetch quercus courses: %w", err))
	}

	userHash := s.hashUser(user.ID)

	var (
		result ContributionResult
		scores []models.AssignmentScore
	)
	for _, course := range courses {
		assignments, err := s.quercus.CourseAssignments(ctx, session, course.ID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("course_id", course.ID).Msg("skipping course during score contribution")
			continue
		}

		for _, assignment := range assignments {
			result.Processed++

			percent, ok := scorePercent(assignment)
			if !ok {
				result.SkippedNoScore++
				continue
			}
			scores = append(scores, models.AssignmentScore{
				UserHash:     userHash,
				CourseID:     course.ID,
				AssignmentID: assignment.ID,
				Percent:      percent,
			})
		}
	}

	if _, err := s.repo.Upsert(ctx, scores); err != nil {
		return ContributionResult{}, s.fail(span, fmt.Errorf("store score contributions: %w", err))
	}
	result.Upserts = len(scores)

	span.SetAttributes(
		attribute.Int("processed", result.Processed),
		attribute.Int("upserts", result.Upserts),
	)
	return result, nil
}

func (s *scoreShareService) Average(ctx context.Context, assignmentID int64) (repository.ScoreAverage, error) {
	if s.repo == nil {
		return repository.ScoreAverage{}, ErrScoreSharingDisabled
	}
	return s.repo.Average(ctx, assignmentID)
}

func (s *scoreShareService) hashUser(userID int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(userID, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *scoreShareService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// scorePercent converts a graded submission into a whole percent in [0,100].
func scorePercent(assignment source.QuercusAssignment) (int, bool) {
	if assignment.Submission == nil || assignment.Submission.Score == nil || assignment.PointsPossible == nil {
		return 0, false
	}

	points := *assignment.PointsPossible
	score := *assignment.Submission.Score
	if points == 0 || math.IsNaN(points) || math.IsNaN(score) {
		return 0, false
	}

	percent := math.Round(score / points * 100)
	return int(math.Max(0, math.Min(100, percent))), true
}
