package dto

import "github.com/ryan11yuan/gravitas/internal/repository"

// AverageRequest identifies the assignment whose shared average is requested.
type AverageRequest struct {
	AssignmentID int64 `validate:"required,gt=0"`
}

// AverageResponse is the shared class average. AvgPercent is null until someone contributes.
type AverageResponse struct {
	AssignmentID int64    `json:"assignment_id"`
	AvgPercent   *float64 `json:"avg_percent"`
	Count        int64    `json:"count"`
}

// NewAverageResponse converts a repository aggregate into a DTO.
func NewAverageResponse(average repository.ScoreAverage) AverageResponse {
	response := AverageResponse{
		AssignmentID: average.AssignmentID,
		Count:        average.Contributors,
	}
	if average.Contributors > 0 {
		value := average.Average
		response.AvgPercent = &value
	}
	return response
}
