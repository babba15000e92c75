// Package freshness classifies how recently the last reading arrived.
package freshness

import "time"

// DefaultThreshold is the age after which a reading is considered stale.
const DefaultThreshold = 30 * time.Second

type Freshness string

const (
	None  Freshness = "none"  // no reading received
	Fresh Freshness = "fresh" // newer than the threshold
	Stale Freshness = "stale"
)

// Evaluate is a pure function of its inputs: callers must pass the current
// time on every evaluation, since now advances without new data arriving.
func Evaluate(last *time.Time, now time.Time, threshold time.Duration) Freshness {
	if last == nil {
		return None
	}
	if now.Sub(*last) < threshold {
		return Fresh
	}
	return Stale
}

// Evaluator binds a threshold and a clock.
type Evaluator struct {
	Threshold time.Duration
	Now       func() time.Time
}

func NewEvaluator(threshold time.Duration) Evaluator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Evaluator{Threshold: threshold, Now: time.Now}
}

func (e Evaluator) Evaluate(last *time.Time) Freshness {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return Evaluate(last, now(), e.Threshold)
}
