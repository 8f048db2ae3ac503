// Package retry implements bounded retries with exponential backoff.
//
// The collection pipeline itself never retries in place (a failed fetch is
// simply tried again at the task's next due time); this package exists for
// side channels like event delivery, where a couple of quick replays are
// cheaper than dropping a notification.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first one.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles after
	// each subsequent failure.
	BaseDelay time.Duration
	// OnRetry, if set, is called after each failed attempt and before
	// the next delay. attempt is 1-indexed.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, the attempt budget runs out, or ctx is
// cancelled. Returns nil on the first success, otherwise the last error.
//
// With BaseDelay=100ms the schedule is 100ms, 200ms, 400ms, ...
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
