// Package priority ranks assignments by urgency from their deadline and weight.
package priority

import (
	"math"
	"strings"
	"time"
)

// Bucket is the coarse urgency label shown next to a priority score.
type Bucket string

const (
	BucketEasy   Bucket = "Easy"
	BucketMedium Bucket = "Medium"
	BucketHard   Bucket = "Hard"
)

const day = 24 * time.Hour

// DaysUntil returns the whole days left until due, rounded up and floored at zero.
// A nil due date is infinitely far away.
func DaysUntil(due *time.Time, now time.Time) float64 {
	if due == nil {
		return math.Inf(1)
	}
	days := math.Ceil(float64(due.Sub(now)) / float64(day))
	return math.Max(0, days)
}

// Score computes the 0-100 priority for an assignment. weight is on a 0-100 scale;
// callers holding a 0-1 fraction multiply by 100 first. A nil weight counts as zero.
func Score(due *time.Time, weight *float64, now time.Time) int {
	days := DaysUntil(due, now)

	dueComponent := 100.0
	if days != 0 {
		dueComponent = math.Min(100, 40/math.Max(days, 0.5))
	}

	w := 0.0
	if weight != nil && !math.IsNaN(*weight) {
		w = math.Max(0, *weight)
	}
	pointsComponent := math.Min(100, w*2)

	score := int(math.Round(0.6*dueComponent + 0.4*pointsComponent))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// BucketFor maps a priority score to its bucket. 50 itself is Easy.
func BucketFor(score int) Bucket {
	switch {
	case score >= 70:
		return BucketHard
	case score > 50:
		return BucketMedium
	default:
		return BucketEasy
	}
}

// ParseBucket resolves a case-insensitive bucket name.
func ParseBucket(value string) (Bucket, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "easy":
		return BucketEasy, true
	case "medium":
		return BucketMedium, true
	case "hard":
		return BucketHard, true
	default:
		return "", false
	}
}
