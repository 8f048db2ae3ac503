package domain

import "time"

// Smart-mode brackets. A video is polled aggressively while fresh, then the
// cadence decays. Intervals are closed-open: an age exactly on a boundary
// falls into the later bracket.
const (
	smartFreshAge = 5 * 24 * time.Hour
	smartWarmAge  = 14 * 24 * time.Hour

	smartFreshInterval = 10 * time.Minute
	smartWarmInterval  = 2 * time.Hour
	smartColdInterval  = 4 * time.Hour

	// Follower counts move slowly; smart-mode author tasks use a flat cadence.
	smartAuthorInterval = 4 * time.Hour
)

// NextInterval computes the gap until a task's next collection.
//
// Pure and deterministic: same (kind, strategy, age) always yields the same
// duration, so callers inject "now" and tests need no clock.
func NextInterval(kind Kind, strategy Strategy, age time.Duration) time.Duration {
	if strategy.Mode == StrategyFixed {
		return time.Duration(strategy.IntervalMinutes) * time.Minute
	}
	if kind == KindAuthor {
		return smartAuthorInterval
	}
	switch {
	case age < smartFreshAge:
		return smartFreshInterval
	case age < smartWarmAge:
		return smartWarmInterval
	default:
		return smartColdInterval
	}
}
