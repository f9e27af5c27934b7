package service

import (
	"sort"

	"github.com/ryan11yuan/gravitas/internal/models"
)

// MergeAssignments concatenates Quercus then Crowdmark records and orders them by due
// date ascending (undated last), then by points descending (ungraded as -1). Ties keep
// their input order.
func MergeAssignments(quercus, crowdmark []models.CommonAssignment) []models.CommonAssignment {
	merged := make([]models.CommonAssignment, 0, len(quercus)+len(crowdmark))
	merged = append(merged, quercus...)
	merged = append(merged, crowdmark...)

	sort.SliceStable(merged, func(i, j int) bool {
		left, right := merged[i], merged[j]

		switch {
		case left.DueAt == nil && right.DueAt != nil:
			return false
		case left.DueAt != nil && right.DueAt == nil:
			return true
		case left.DueAt != nil && right.DueAt != nil && !left.DueAt.Equal(*right.DueAt):
			return left.DueAt.Before(*right.DueAt)
		}

		return pointsOrDefault(left.Points) > pointsOrDefault(right.Points)
	})

	return merged
}

func pointsOrDefault(points *float64) float64 {
	if points == nil {
		return -1
	}
	return *points
}
