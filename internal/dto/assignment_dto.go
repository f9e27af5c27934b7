package dto

import (
	"time"

	"github.com/ryan11yuan/gravitas/internal/service"
)

// AnalyzeRequest selects the assignments to enrich. An empty IDs list enriches every
// assignment of the session.
type AnalyzeRequest struct {
	IDs     []string `json:"ids" validate:"omitempty,max=500,dive,required,max=128"`
	Refresh bool     `json:"refresh"`
}

// AssignmentListMeta describes the fetch cycle behind an assignment list.
type AssignmentListMeta struct {
	Count      int                    `json:"count"`
	Sources    []service.SourceReport `json:"sources"`
	FetchedAt  time.Time              `json:"fetched_at"`
	Cached     bool                   `json:"cached"`
	UnknownIDs []string               `json:"unknown_ids,omitempty"`
}

// NewAssignmentListMeta summarises an aggregation result.
func NewAssignmentListMeta(aggregation service.Aggregation, count int) AssignmentListMeta {
	return AssignmentListMeta{
		Count:     count,
		Sources:   aggregation.Sources,
		FetchedAt: aggregation.FetchedAt,
		Cached:    aggregation.Cached,
	}
}

// StreamMessage frames one websocket event of the analysis stream.
type StreamMessage struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Stream message types.
const (
	StreamTypeStart    = "start"
	StreamTypeAnalysis = "analysis"
	StreamTypeDone     = "done"
	StreamTypeError    = "error"
)
