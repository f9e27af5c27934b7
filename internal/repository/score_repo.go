package repository

import (
	"context"
	"math"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ryan11yuan/gravitas/internal/models"
)

// ScoreAverage is the shared class average of one assignment.
type ScoreAverage struct {
	AssignmentID int64   `json:"assignment_id"`
	Average      float64 `json:"average"`
	Contributors int64   `json:"contributors"`
}

// ScoreRepository stores anonymized score contributions and reads class averages.
type ScoreRepository interface {
	Upsert(ctx context.Context, scores []models.AssignmentScore) (int64, error)
	Average(ctx context.Context, assignmentID int64) (ScoreAverage, error)
	Averages(ctx context.Context, assignmentIDs []int64) (map[int64]float64, error)
}

type scoreRepository struct {
	db *gorm.DB
}

// NewScoreRepository constructs the score-share repository.
func NewScoreRepository(db *gorm.DB) ScoreRepository {
	return &scoreRepository{db: db}
}

// Upsert writes each contribution, replacing the previous percent of the same user.
func (r *scoreRepository) Upsert(ctx context.Context, scores []models.AssignmentScore) (int64, error) {
	if len(scores) == 0 {
		return 0, nil
	}

	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_hash"}, {Name: "assignment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"course_id", "percent", "updated_at"}),
	}).CreateInBatches(&scores, 100)

	return tx.RowsAffected, tx.Error
}

// Average returns the rounded average and the number of distinct contributors. An
// assignment without contributions yields a zero ScoreAverage.
func (r *scoreRepository) Average(ctx context.Context, assignmentID int64) (ScoreAverage, error) {
	rows, err := r.aggregate(ctx, []int64{assignmentID})
	if err != nil {
		return ScoreAverage{}, err
	}
	if len(rows) == 0 {
		return ScoreAverage{AssignmentID: assignmentID}, nil
	}

	row := rows[0]
	row.Average = math.Round(row.Average)
	return row, nil
}

// Averages returns unrounded averages keyed by assignment id for ids with contributions.
func (r *scoreRepository) Averages(ctx context.Context, assignmentIDs []int64) (map[int64]float64, error) {
	out := make(map[int64]float64, len(assignmentIDs))
	if len(assignmentIDs) == 0 {
		return out, nil
	}

	rows, err := r.aggregate(ctx, assignmentIDs)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.AssignmentID] = row.Average
	}
	return out, nil
}

func (r *scoreRepository) aggregate(ctx context.Context, assignmentIDs []int64) ([]ScoreAverage, error) {
	var rows []ScoreAverage
	err := r.db.WithContext(ctx).
		Model(&models.AssignmentScore{}).
		Select("assignment_id, AVG(percent) AS average, COUNT(DISTINCT user_hash) AS contributors").
		Where("assignment_id IN ?", assignmentIDs).
		Group("assignment_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	return rows, nil
}
