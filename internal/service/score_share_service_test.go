package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/repository"
	"github.com/ryan11yuan/gravitas/internal/source"
)

type stubGrades struct {
	userID      int64
	courses     []source.QuercusCourse
	assignments map[int64][]source.QuercusAssignment
	userErr     error
}

func (s *stubGrades) User(context.Context, source.Session) (source.QuercusUser, error) {
	return source.QuercusUser{ID: s.userID}, s.userErr
}

func (s *stubGrades) Courses(context.Context, source.Session) ([]source.QuercusCourse, error) {
	return s.courses, nil
}

func (s *stubGrades) CourseAssignments(_ context.Context, _ source.Session, courseID int64) ([]source.QuercusAssignment, error) {
	list, ok := s.assignments[courseID]
	if !ok {
		return nil, errors.New("course unavailable")
	}
	return list, nil
}

func graded(id int64, score, points *float64) source.QuercusAssignment {
	assignment := source.QuercusAssignment{ID: id, PointsPossible: points}
	if score != nil {
		assignment.Submission = &source.QuercusSubmission{Score: score}
	}
	return assignment
}

func newScoreRepo(t *testing.T) repository.ScoreRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.AssignmentScore{}))
	return repository.NewScoreRepository(db)
}

func TestScoreShareContributeUpsertsGradedAssignments(t *testing.T) {
	grades := &stubGrades{
		userID:  77,
		courses: []source.QuercusCourse{{ID: 1}, {ID: 2}, {ID: 3}},
		assignments: map[int64][]source.QuercusAssignment{
			1: {
				graded(10, pointsOf(17), pointsOf(20)),
				graded(11, pointsOf(25), pointsOf(20)),
				graded(12, nil, pointsOf(20)),
			},
			2: {
				graded(20, pointsOf(3), pointsOf(0)),
				graded(21, pointsOf(-2), pointsOf(10)),
			},
		},
	}
	repo := newScoreRepo(t)
	svc := NewScoreShareService(grades, repo, "pepper", zerolog.Nop())
	require.True(t, svc.Enabled())

	result, err := svc.Contribute(context.Background(), source.NewSession("", "q", ""))
	require.NoError(t, err)
	require.Equal(t, ContributionResult{Processed: 5, Upserts: 3, SkippedNoScore: 2}, result)

	average, err := svc.Average(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 85.0, average.Average)
	require.Equal(t, int64(1), average.Contributors)

	capped, err := svc.Average(context.Background(), 11)
	require.NoError(t, err)
	require.Equal(t, 100.0, capped.Average)

	floored, err := svc.Average(context.Background(), 21)
	require.NoError(t, err)
	require.Equal(t, 0.0, floored.Average)
	require.Equal(t, int64(1), floored.Contributors)

	again, err := svc.Contribute(context.Background(), source.NewSession("", "q", ""))
	require.NoError(t, err)
	require.Equal(t, 3, again.Upserts)
	average, err = svc.Average(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), average.Contributors)
}

func TestScoreShareHashesUserIDs(t *testing.T) {
	svc := NewScoreShareService(&stubGrades{}, nil, "pepper", zerolog.Nop()).(*scoreShareService)
	other := NewScoreShareService(&stubGrades{}, nil, "salt", zerolog.Nop()).(*scoreShareService)

	hash := svc.hashUser(77)
	require.Len(t, hash, 64)
	require.Equal(t, hash, svc.hashUser(77))
	require.NotEqual(t, hash, svc.hashUser(78))
	require.NotEqual(t, hash, other.hashUser(77))
}

func TestScoreShareDisabledWithoutSecret(t *testing.T) {
	svc := NewScoreShareService(&stubGrades{}, newScoreRepo(t), "", zerolog.Nop())
	require.False(t, svc.Enabled())

	_, err := svc.Contribute(context.Background(), source.NewSession("", "q", ""))
	require.ErrorIs(t, err, ErrScoreSharingDisabled)
}

func TestScoreShareContributePropagatesAuthErrors(t *testing.T) {
	svc := NewScoreShareService(&stubGrades{userErr: source.ErrNotAuthenticated}, newScoreRepo(t), "pepper", zerolog.Nop())

	_, err := svc.Contribute(context.Background(), source.NewSession("", "", ""))
	require.ErrorIs(t, err, source.ErrNotAuthenticated)
}
