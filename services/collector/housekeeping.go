package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rainpenber/bili-stats-monitor/internal/postgres"
)

// NewHousekeeping returns a cron runner with the maintenance jobs the
// scheduler needs around it. Call Start on the result and Stop on
// shutdown.
//
// The expired-claim sweep is the safety net for crashed instances: a
// claim whose TTL lapsed without a decision is released so the task is
// picked up again on a later tick.
func NewHousekeeping(repo postgres.TaskRepository, logger *slog.Logger) *cron.Cron {
	c := cron.New()

	_, err := c.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		released, err := repo.ReleaseExpiredClaims(ctx, time.Now().UTC())
		if err != nil {
			logger.Error("sweep expired claims", slog.String("error", err.Error()))
			return
		}
		if released > 0 {
			logger.Warn("released expired claims", slog.Int64("count", released))
		}
	})
	if err != nil {
		// The expression above is static; this cannot happen at runtime.
		logger.Error("register claim sweep", slog.String("error", err.Error()))
	}

	_, err = c.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		paused, err := repo.PauseExpiredAccountTasks(ctx, time.Now().UTC())
		if err != nil {
			logger.Error("pause expired-account tasks", slog.String("error", err.Error()))
			return
		}
		if paused > 0 {
			logger.Warn("paused tasks with expired accounts", slog.Int64("count", paused))
		}
	})
	if err != nil {
		logger.Error("register account sweep", slog.String("error", err.Error()))
	}

	return c
}
