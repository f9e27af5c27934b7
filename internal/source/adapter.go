package source

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/observability"
)

const maxCourseConcurrency = 6

// Adapter reads one portal. FetchAssignments always returns a usable (possibly empty)
// slice; the error only reports why the source degraded.
type Adapter interface {
	Source() models.Source
	Authenticated(ctx context.Context, session Session) (bool, error)
	FetchAssignments(ctx context.Context, session Session) ([]models.CommonAssignment, error)
}

// AverageLookup resolves class averages (percent) for Quercus assignment ids.
type AverageLookup interface {
	Averages(ctx context.Context, assignmentIDs []int64) (map[int64]float64, error)
}

func recordFailure(src models.Source, stage string) {
	observability.SourceFailures().WithLabelValues(string(src), stage).Inc()
}

func observeFetch(src models.Source, start time.Time) {
	observability.SourceFetchDuration().WithLabelValues(string(src)).Observe(time.Since(start).Seconds())
}

// parseTimestamp treats malformed or empty timestamps as absent.
func parseTimestamp(value *string) *time.Time {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}

	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil
	}
	utc := parsed.UTC()
	return &utc
}

func clampUnit(value float64) float64 {
	return math.Max(0, math.Min(1, value))
}

func nonEmpty(value *string) (string, bool) {
	if value == nil {
		return "", false
	}
	trimmed := strings.TrimSpace(*value)
	return trimmed, trimmed != ""
}

// isCanonicalUUID accepts only the hyphenated 8-4-4-4-12 form.
func isCanonicalUUID(value string) bool {
	if len(value) != 36 {
		return false
	}
	_, err := uuid.Parse(value)
	return err == nil
}

func finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

func parseFlexibleFloat(raw string) (float64, bool) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || !finite(value) {
		return 0, false
	}
	return value, true
}
