package env

import "fmt"

// Rating strategies and objectives. The engine currently implements a
// single strategy; the field exists so plugins declare intent explicitly.
const (
	StrategyAverage = "average"

	ObjectiveMax = "max"
	ObjectiveMin = "min"
)

// Default settings values applied by Normalize.
const (
	DefaultMinRunsForFullyEvaluated = 50
	DefaultNumberOfActionRequests   = 5
)

// Settings are the immutable per-environment evaluation parameters.
type Settings struct {
	// InitialRating seeds both current and best rating of a fresh agent
	// aggregate.
	InitialRating float64

	// RatingStrategy computes the current rating from recent results.
	// Only "average" is supported.
	RatingStrategy string

	// MinRunsForFullyEvaluated is the recent-results window size and the
	// threshold at which an agent's rating starts to count.
	MinRunsForFullyEvaluated int

	// RatingObjective is "max" or "min" and directs best-rating updates.
	RatingObjective string

	// NumberOfActionRequests caps concurrent outstanding runs per agent.
	NumberOfActionRequests int

	// CanAbandonRuns permits voluntary forfeits; the environment must
	// then implement Abandoner.
	CanAbandonRuns bool
}

// Normalize returns a copy with zero values replaced by defaults.
func (s Settings) Normalize() Settings {
	if s.RatingStrategy == "" {
		s.RatingStrategy = StrategyAverage
	}
	if s.MinRunsForFullyEvaluated <= 0 {
		s.MinRunsForFullyEvaluated = DefaultMinRunsForFullyEvaluated
	}
	if s.RatingObjective == "" {
		s.RatingObjective = ObjectiveMax
	}
	if s.NumberOfActionRequests <= 0 {
		s.NumberOfActionRequests = DefaultNumberOfActionRequests
	}
	return s
}

// Validate checks the normalized settings.
func (s Settings) Validate() error {
	if s.RatingStrategy != StrategyAverage {
		return fmt.Errorf("unsupported rating strategy %q", s.RatingStrategy)
	}
	if s.RatingObjective != ObjectiveMax && s.RatingObjective != ObjectiveMin {
		return fmt.Errorf("rating objective must be %q or %q, got %q", ObjectiveMax, ObjectiveMin, s.RatingObjective)
	}
	return nil
}
