package models

import (
	"strings"
	"time"
)

// Source identifies the upstream portal an assignment was read from.
type Source string

const (
	SourceQuercus   Source = "quercus"
	SourceCrowdmark Source = "crowdmark"
)

// CommonAssignment is the source-agnostic assignment record produced by the adapters.
//
// Points is a fraction in [0,1] once a submission is graded against a known total.
// DueAt nil means the assignment has no deadline. Average is a class average
// percentage when a real statistics feed exists for it.
type CommonAssignment struct {
	ID          string     `json:"id"`
	Source      Source     `json:"source"`
	Course      string     `json:"course"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Points      *float64   `json:"points"`
	DueAt       *time.Time `json:"due_at"`
	Graded      bool       `json:"graded"`
	Average     *float64   `json:"average"`
}

// NativeID strips the source namespace from the assignment id.
func (a CommonAssignment) NativeID() string {
	if idx := strings.IndexByte(a.ID, ':'); idx >= 0 {
		return a.ID[idx+1:]
	}
	return a.ID
}

// Difficulty labels an analysis score.
type Difficulty string

const (
	DifficultyVeryEasy Difficulty = "very_easy"
	DifficultyEasy     Difficulty = "easy"
	DifficultyMedium   Difficulty = "medium"
	DifficultyHard     Difficulty = "hard"
	DifficultyVeryHard Difficulty = "very_hard"
)

// Analysis score bounds. Scores live on a 0-10 scale everywhere inside the service.
const (
	AnalysisScoreMin = 0.0
	AnalysisScoreMax = 10.0
)

// DifficultyFromScore derives the label for a 0-10 analysis score.
func DifficultyFromScore(score float64) Difficulty {
	switch {
	case score < 2:
		return DifficultyVeryEasy
	case score < 4:
		return DifficultyEasy
	case score < 6:
		return DifficultyMedium
	case score < 8:
		return DifficultyHard
	default:
		return DifficultyVeryHard
	}
}

// Analysis is the enrichment result attached to an assignment.
type Analysis struct {
	Summary       string     `json:"summary"`
	Score         float64    `json:"score"`
	EstimatedTime float64    `json:"estimated_time"`
	Difficulty    Difficulty `json:"difficulty"`
}

// AnalyzedAssignment wraps an assignment with its optional analysis.
type AnalyzedAssignment struct {
	CommonAssignment
	Analysis *Analysis `json:"analysis"`
}
