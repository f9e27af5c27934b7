package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
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

// QuercusAdapter reads the Canvas REST API with the student's cookie.
type QuercusAdapter struct {
	baseURL  string
	client   transport.Client
	averages AverageLookup
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewQuercusAdapter constructs the adapter. averages may be nil.
func NewQuercusAdapter(baseURL string, client transport.Client, averages AverageLookup, logger zerolog.Logger) *QuercusAdapter {
	return &QuercusAdapter{
		baseURL:  baseURL,
		client:   client,
		averages: averages,
		logger:   logger.With().Str("component", "quercus_adapter").Logger(),
		tracer:   otel.Tracer("github.com/ryan11yuan/gravitas/internal/source/quercus"),
	}
}

// Source implements Adapter.
func (q *QuercusAdapter) Source() models.Source {
	return models.SourceQuercus
}

// Authenticated reports whether the session cookie is accepted. A 401 is a clean
// "no"; anything else that fails is an error.
func (q *QuercusAdapter) Authenticated(ctx context.Context, session Session) (bool, error) {
	if session.QuercusCookie == "" {
		return false, nil
	}

	result := q.client.Fetch(ctx, q.baseURL+"/api/v1/users/self", q.options(session))
	if result.Success {
		return true, nil
	}
	if result.Status == http.StatusUnauthorized {
		return false, nil
	}

	return false, fmt.Errorf("quercus auth check failed with status %d: %s", result.Status, result.Error)
}

// User returns the authenticated student.
func (q *QuercusAdapter) User(ctx context.Context, session Session) (QuercusUser, error) {
	var user QuercusUser
	if err := q.getJSON(ctx, session, q.baseURL+"/api/v1/users/self", &user); err != nil {
		return QuercusUser{}, err
	}
	if user.ID == 0 {
		return QuercusUser{}, fmt.Errorf("quercus user payload missing id")
	}
	return user, nil
}

// Courses lists the active student enrollments.
func (q *QuercusAdapter) Courses(ctx context.Context, session Session) ([]QuercusCourse, error) {
	var courses []QuercusCourse
	endpoint := q.baseURL + "/api/v1/users/self/courses?enrollment_type=student&enrollment_state=active&per_page=100"
	if err := q.getJSON(ctx, session, endpoint, &courses); err != nil {
		return nil, err
	}
	return courses, nil
}

// CourseAssignments lists a course's assignments including the student's submission.
func (q *QuercusAdapter) CourseAssignments(ctx context.Context, session Session, courseID int64) ([]QuercusAssignment, error) {
	var assignments []QuercusAssignment
	endpoint := fmt.Sprintf("%s/api/v1/users/self/courses/%d/assignments?include[]=submission&per_page=100", q.baseURL, courseID)
	if err := q.getJSON(ctx, session, endpoint, &assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

// FetchAssignments implements Adapter.
func (q *QuercusAdapter) FetchAssignments(ctx context.Context, session Session) ([]models.CommonAssignment, error) {
	ctx, span := q.tracer.Start(ctx, "quercus.fetch_assignments")
	defer span.End()
	defer observeFetch(models.SourceQuercus, time.Now())

	out := make([]models.CommonAssignment, 0)

	ok, err := q.Authenticated(ctx, session)
	if err != nil {
		recordFailure(models.SourceQuercus, "auth")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	if !ok {
		return out, ErrNotAuthenticated
	}

	courses, err := q.Courses(ctx, session)
	if err != nil {
		recordFailure(models.SourceQuercus, "courses")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, fmt.Errorf("list quercus courses: %w", err)
	}
	span.SetAttributes(attribute.Int("courses", len(courses)))

	perCourse := make([][]models.CommonAssignment, len(courses))
	var group errgroup.Group
	group.SetLimit(maxCourseConcurrency)
	for i, course := range courses {
		group.Go(func() error {
			assignments, err := q.CourseAssignments(ctx, session, course.ID)
			if err != nil {
				recordFailure(models.SourceQuercus, "course_assignments")
				q.logger.Warn().Err(err).Int64("course_id", course.ID).Msg("dropping quercus course")
				return nil
			}

			mapped := make([]models.CommonAssignment, 0, len(assignments))
			for _, assignment := range assignments {
				mapped = append(mapped, mapQuercus(course, assignment))
			}
			perCourse[i] = mapped
			return nil
		})
	}
	_ = group.Wait()

	for _, list := range perCourse {
		out = append(out, list...)
	}

	q.attachAverages(ctx, out)
	return out, nil
}

func (q *QuercusAdapter) attachAverages(ctx context.Context, assignments []models.CommonAssignment) {
	if q.averages == nil || len(assignments) == 0 {
		return
	}

	ids := make([]int64, 0, len(assignments))
	for _, assignment := range assignments {
		if id, err := strconv.ParseInt(assignment.NativeID(), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}

	averages, err := q.averages.Averages(ctx, ids)
	if err != nil {
		q.logger.Warn().Err(err).Msg("failed to load shared class averages")
		return
	}

	for i := range assignments {
		id, err := strconv.ParseInt(assignments[i].NativeID(), 10, 64)
		if err != nil {
			continue
		}
		if avg, ok := averages[id]; ok {
			value := avg
			assignments[i].Average = &value
		}
	}
}

func (q *QuercusAdapter) options(session Session) transport.Options {
	return transport.Options{
		Headers: map[string]string{"Accept": "application/json"},
		Cookie:  session.QuercusCookie,
	}
}

func (q *QuercusAdapter) getJSON(ctx context.Context, session Session, endpoint string, target interface{}) error {
	if session.QuercusCookie == "" {
		return ErrNotAuthenticated
	}

	result := q.client.Fetch(ctx, endpoint, q.options(session))
	if !result.Success {
		if result.Status == http.StatusUnauthorized {
			return ErrNotAuthenticated
		}
		return fmt.Errorf("quercus request failed with status %d: %s", result.Status, result.Error)
	}

	if err := json.Unmarshal([]byte(result.Data), target); err != nil {
		return fmt.Errorf("decode quercus response: %w", err)
	}
	return nil
}

func mapQuercus(course QuercusCourse, assignment QuercusAssignment) models.CommonAssignment {
	courseName, ok := nonEmpty(course.Name)
	if !ok {
		courseName = strconv.FormatInt(course.ID, 10)
	}

	title, ok := nonEmpty(assignment.Name)
	if !ok {
		title = fmt.Sprintf("Assignment %d", assignment.ID)
	}

	var description string
	if assignment.Description != nil {
		description = *assignment.Description
	}

	var points *float64
	graded := false
	if sub := assignment.Submission; sub != nil {
		if sub.Score != nil {
			graded = true
			if assignment.PointsPossible != nil && *assignment.PointsPossible != 0 {
				fraction := clampUnit(*sub.Score / *assignment.PointsPossible)
				points = &fraction
			}
		}
		if _, ok := nonEmpty(sub.GradedAt); ok {
			graded = true
		}
		if _, ok := nonEmpty(sub.PostedAt); ok {
			graded = true
		}
	}

	return models.CommonAssignment{
		ID:          fmt.Sprintf("%s:%d", models.SourceQuercus, assignment.ID),
		Source:      models.SourceQuercus,
		Course:      courseName,
		Title:       title,
		Description: description,
		Points:      points,
		DueAt:       parseTimestamp(assignment.DueAt),
		Graded:      graded,
	}
}

