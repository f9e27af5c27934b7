package ai

import (
	"context"
	"errors"
)

// ErrNoJSONObject is returned when a completion carries no decodable JSON object.
var ErrNoJSONObject = errors.New("no json object in completion")

// EstimateInput is the bounded assignment context sent to the model.
type EstimateInput struct {
	Context string
}

// Estimate is the structured answer of the model. Score is on the 0-10 scale;
// Difficulty is whatever label the model proposed and is not trusted downstream.
type Estimate struct {
	Summary       string  `json:"summary"`
	EstimatedTime float64 `json:"estimatedTime"`
	Score         float64 `json:"score"`
	Difficulty    string  `json:"difficulty,omitempty"`
}

// Estimator describes a model able to size up an assignment.
type Estimator interface {
	Estimate(ctx context.Context, input EstimateInput) (Estimate, error)
}
