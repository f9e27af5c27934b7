package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/transport"
)

const crowdmarkMaxPages = 50

// CrowdmarkAdapter reads the Crowdmark student JSON:API with the student's cookie.
type CrowdmarkAdapter struct {
	baseURL string
	client  transport.Client
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewCrowdmarkAdapter constructs the adapter.
func NewCrowdmarkAdapter(baseURL string, client transport.Client, logger zerolog.Logger) *CrowdmarkAdapter {
	return &CrowdmarkAdapter{
		baseURL: baseURL,
		client:  client,
		logger:  logger.With().Str("component", "crowdmark_adapter").Logger(),
		tracer:  otel.Tracer("github.com/ryan11yuan/gravitas/internal/source/crowdmark"),
	}
}

// Source implements Adapter.
func (c *CrowdmarkAdapter) Source() models.Source {
	return models.SourceCrowdmark
}

// Authenticated requests the first course page. An expired session is answered with the
// HTML sign-in page rather than an error status, so a non-JSON body means "no".
func (c *CrowdmarkAdapter) Authenticated(ctx context.Context, session Session) (bool, error) {
	if session.CrowdmarkCookie == "" {
		return false, nil
	}

	result := c.client.Fetch(ctx, c.coursesURL(1), c.options(session))
	if !result.Success {
		if result.Status == http.StatusUnauthorized || result.Status == http.StatusForbidden {
			return false, nil
		}
		return false, fmt.Errorf("crowdmark auth check failed with status %d: %s", result.Status, result.Error)
	}

	var page crowdmarkCoursePage
	if err := json.Unmarshal([]byte(result.Data), &page); err != nil {
		return false, nil
	}
	return true, nil
}

// FetchAssignments implements Adapter.
func (c *CrowdmarkAdapter) FetchAssignments(ctx context.Context, session Session) ([]models.CommonAssignment, error) {
	ctx, span := c.tracer.Start(ctx, "crowdmark.fetch_assignments")
	defer span.End()
	defer observeFetch(models.SourceCrowdmark, time.Now())

	out := make([]models.CommonAssignment, 0)

	ok, err := c.Authenticated(ctx, session)
	if err != nil {
		recordFailure(models.SourceCrowdmark, "auth")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	if !ok {
		return out, ErrNotAuthenticated
	}

	courses, err := c.courses(ctx, session)
	if err != nil {
		recordFailure(models.SourceCrowdmark, "courses")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, fmt.Errorf("list crowdmark courses: %w", err)
	}
	span.SetAttributes(attribute.Int("courses", len(courses)))

	perCourse := make([][]models.CommonAssignment, len(courses))
	var group errgroup.Group
	group.SetLimit(maxCourseConcurrency)
	for i, course := range courses {
		group.Go(func() error {
			perCourse[i] = c.fetchCourse(ctx, session, course)
			return nil
		})
	}
	_ = group.Wait()

	for _, list := range perCourse {
		out = append(out, list...)
	}
	return out, nil
}

// fetchCourse lists assignments and statistics concurrently. A failed listing drops
// the course; failed statistics only drop the averages.
func (c *CrowdmarkAdapter) fetchCourse(ctx context.Context, session Session, course crowdmarkCourse) []models.CommonAssignment {
	var (
		listing    crowdmarkAssignmentsResponse
		listingErr error
		stats      crowdmarkStatistics
		statsErr   error
		group      errgroup.Group
	)

	group.Go(func() error {
		listingErr = c.getJSON(ctx, session, c.assignmentsURL(course.ID), &listing)
		return nil
	})
	group.Go(func() error {
		statsErr = c.getJSON(ctx, session, fmt.Sprintf("%s/api/v2/student/courses/%s/statistics", c.baseURL, url.PathEscape(course.ID)), &stats)
		return nil
	})
	_ = group.Wait()

	if listingErr != nil {
		recordFailure(models.SourceCrowdmark, "course_assignments")
		c.logger.Warn().Err(listingErr).Str("course_id", course.ID).Msg("dropping crowdmark course")
		return nil
	}

	averages := map[string]float64{}
	if statsErr != nil {
		recordFailure(models.SourceCrowdmark, "course_statistics")
		c.logger.Warn().Err(statsErr).Str("course_id", course.ID).Msg("crowdmark statistics unavailable")
	} else {
		averages = indexAverages(stats)
	}

	titles := examTitles(listing.Included)
	mapped := make([]models.CommonAssignment, 0, len(listing.Data))
	for _, assignment := range listing.Data {
		mapped = append(mapped, mapCrowdmark(course, assignment, titles, averages))
	}
	return mapped
}

func (c *CrowdmarkAdapter) courses(ctx context.Context, session Session) ([]crowdmarkCourse, error) {
	courses := make([]crowdmarkCourse, 0)
	page := 1
	for visited := 0; visited < crowdmarkMaxPages; visited++ {
		var payload crowdmarkCoursePage
		if err := c.getJSON(ctx, session, c.coursesURL(page), &payload); err != nil {
			return nil, err
		}
		courses = append(courses, payload.Data...)

		next := payload.Meta.Pagination.NextPage
		if next == nil || *next <= page {
			return courses, nil
		}
		page = *next
	}

	c.logger.Warn().Int("pages", crowdmarkMaxPages).Msg("crowdmark course pagination truncated")
	return courses, nil
}

func (c *CrowdmarkAdapter) coursesURL(page int) string {
	return fmt.Sprintf("%s/api/v2/student/courses?filter[is_archived]=false&page[number]=%d", c.baseURL, page)
}

func (c *CrowdmarkAdapter) assignmentsURL(courseID string) string {
	return fmt.Sprintf("%s/api/v2/student/assignments?fields[exam-masters][]=type&fields[exam-masters][]=title&filter[course]=%s",
		c.baseURL, url.QueryEscape(courseID))
}

func (c *CrowdmarkAdapter) options(session Session) transport.Options {
	return transport.Options{
		Headers: map[string]string{"Accept": "application/vnd.api+json, application/json"},
		Cookie:  session.CrowdmarkCookie,
	}
}

func (c *CrowdmarkAdapter) getJSON(ctx context.Context, session Session, endpoint string, target interface{}) error {
	result := c.client.Fetch(ctx, endpoint, c.options(session))
	if !result.Success {
		if result.Status == http.StatusUnauthorized {
			return ErrNotAuthenticated
		}
		return fmt.Errorf("crowdmark request failed with status %d: %s", result.Status, result.Error)
	}

	if err := json.Unmarshal([]byte(result.Data), target); err != nil {
		return fmt.Errorf("decode crowdmark response: %w", err)
	}
	return nil
}

func examTitles(included []crowdmarkExamMaster) map[string]string {
	titles := make(map[string]string, len(included))
	for _, master := range included {
		title := strings.TrimSpace(master.Attributes.Title)
		if master.ID != "" && title != "" {
			titles[master.ID] = title
		}
	}
	return titles
}

// indexAverages keys class averages by canonical score uuid. Sentinel keys are skipped.
func indexAverages(stats crowdmarkStatistics) map[string]float64 {
	averages := make(map[string]float64, len(stats.Assessments))
	for _, assessment := range stats.Assessments {
		key := strings.ToLower(strings.TrimSpace(assessment.ScoreUUID))
		if !isCanonicalUUID(key) || assessment.AverageScore.value == nil {
			continue
		}
		averages[key] = *assessment.AverageScore.value
	}
	return averages
}

func mapCrowdmark(course crowdmarkCourse, assignment crowdmarkAssignment, titles map[string]string, averages map[string]float64) models.CommonAssignment {
	attrs := assignment.Attributes

	courseName, ok := nonEmpty(course.Attributes.Name)
	if !ok {
		courseName = course.ID
	}

	var examMasterID string
	if data := assignment.Relationships.ExamMaster.Data; data != nil {
		examMasterID = strings.TrimSpace(data.ID)
	}
	title, ok := titles[examMasterID]
	if !ok {
		title = examMasterID
	}
	if title == "" {
		title = fmt.Sprintf("Assignment %s", assignment.ID)
	}

	description, ok := nonEmpty(attrs.Instructions)
	if !ok {
		description, _ = nonEmpty(attrs.AdditionalInstructions)
	}

	scoreUUID := strings.ToLower(attrs.ScoreUUID.value)
	hasScore := attrs.ScoreUUID.set && isCanonicalUUID(scoreUUID)

	var points *float64
	var average *float64
	if hasScore {
		points = scoreFraction(attrs.NormalizedPoints.value, attrs.Points.value)
		if avg, ok := averages[scoreUUID]; ok {
			value := normalizePercent(avg)
			average = &value
		}
	}

	_, marksSent := nonEmpty(attrs.MarksSentAt)

	return models.CommonAssignment{
		ID:          fmt.Sprintf("%s:%s", models.SourceCrowdmark, assignment.ID),
		Source:      models.SourceCrowdmark,
		Course:      courseName,
		Title:       title,
		Description: description,
		Points:      points,
		DueAt:       parseTimestamp(attrs.Due),
		Graded:      marksSent || hasScore,
		Average:     average,
	}
}

// scoreFraction reads the graded fraction. normalized-points is already a fraction;
// bonus marks above 1 clamp to 1. Raw points carry no total, so they are only
// trusted when they already lie in [0,1].
func scoreFraction(normalized, raw *float64) *float64 {
	if normalized != nil {
		value := clampUnit(*normalized)
		return &value
	}
	if raw != nil && *raw >= 0 && *raw <= 1 {
		value := *raw
		return &value
	}
	return nil
}

// normalizePercent maps fraction-style averages onto the 0-100 scale.
func normalizePercent(value float64) float64 {
	if value >= 0 && value <= 1 {
		value = value * 100
	}
	return value
}
