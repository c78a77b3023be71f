package envelope

import "time"

const (
	maxFutureSkew = 5 * time.Minute
	maxPastSkew   = 7 * 24 * time.Hour
)

// IsStale reports whether an event's timestamp falls outside the
// acceptable window: more than 5 minutes in the future, or more than
// 7 days in the past.
func IsStale(ts time.Time) bool {
	now := time.Now()
	return ts.After(now.Add(maxFutureSkew)) || ts.Before(now.Add(-maxPastSkew))
}
