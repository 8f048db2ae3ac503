package collector

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rainpenber/bili-stats-monitor/internal/bili"
	"github.com/rainpenber/bili-stats-monitor/internal/domain"
	"github.com/rainpenber/bili-stats-monitor/internal/postgres"
)

// StatsClient is the slice of the Bilibili client the executor needs.
type StatsClient interface {
	GetVideoView(ctx context.Context, bvid, cookie string) (*bili.VideoView, error)
	GetOnlineTotal(ctx context.Context, bvid string, cid int64, cookie string) (int64, error)
	GetUserStat(ctx context.Context, mid, cookie string) (*bili.UserStat, error)
}

// Executor performs one collection for one due task and classifies the
// result. It never retries in place; a transient failure is simply tried
// again when the task next comes due.
type Executor struct {
	client   StatsClient
	accounts postgres.AccountStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewExecutor(client StatsClient, accounts postgres.AccountStore, logger *slog.Logger) *Executor {
	return &Executor{
		client:   client,
		accounts: accounts,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute fetches current stats for the task's target and returns the
// classified outcome. The caller has already checked the deadline.
func (e *Executor) Execute(ctx context.Context, task *domain.Task) domain.Outcome {
	ctx, span := otel.Tracer("collector").Start(ctx, "collector.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", string(task.Kind)),
		attribute.String("task.target_id", task.TargetID),
	)

	cookie, err := e.accounts.CookieFor(ctx, task.BoundAccountID)
	if err != nil {
		if errors.Is(err, postgres.ErrNoAccount) {
			return domain.Skip(domain.ReasonNoAccount)
		}
		span.RecordError(err)
		return domain.RetryableFailure("account lookup: " + err.Error())
	}

	sample := &domain.MetricSample{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		CollectedAt: e.now().UTC(),
	}

	switch task.Kind {
	case domain.KindVideo:
		stats, err := e.collectVideo(ctx, task, cookie)
		if err != nil {
			span.RecordError(err)
			return e.classify(ctx, task, err)
		}
		sample.Video = stats
	case domain.KindAuthor:
		stat, err := e.client.GetUserStat(ctx, task.TargetID, cookie)
		if err != nil {
			span.RecordError(err)
			return e.classify(ctx, task, err)
		}
		sample.Author = &domain.AuthorStats{Follower: stat.Follower}
	default:
		span.SetStatus(codes.Error, "unknown task kind")
		return domain.FatalFailure("unknown task kind: " + string(task.Kind))
	}

	return domain.Success(sample)
}

func (e *Executor) collectVideo(ctx context.Context, task *domain.Task, cookie string) (*domain.VideoStats, error) {
	view, err := e.client.GetVideoView(ctx, task.TargetID, cookie)
	if err != nil {
		return nil, err
	}

	stats := &domain.VideoStats{
		View:     view.Stat.View,
		Danmaku:  view.Stat.Danmaku,
		Like:     view.Stat.Like,
		Coin:     view.Stat.Coin,
		Favorite: view.Stat.Favorite,
		Share:    view.Stat.Share,
		Reply:    view.Stat.Reply,
	}

	// The online-viewers endpoint is flaky; its failure degrades the
	// sample instead of failing the collection.
	if view.CID != 0 {
		online, err := e.client.GetOnlineTotal(ctx, task.TargetID, view.CID, cookie)
		if err != nil {
			e.logger.Warn("online total unavailable",
				slog.String("task_id", task.ID),
				slog.String("bvid", task.TargetID),
				slog.String("error", err.Error()),
			)
		} else {
			stats.Online = &online
		}
	}
	return stats, nil
}

// classify maps a fetch error onto the lifecycle outcome taxonomy.
func (e *Executor) classify(ctx context.Context, task *domain.Task, err error) domain.Outcome {
	var apiErr *bili.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.NotFound():
			return domain.FatalFailure(err.Error())
		case apiErr.RateLimited():
			return domain.RetryableFailure(err.Error())
		case apiErr.AuthRejected():
			if task.BoundAccountID != "" {
				if merr := e.accounts.MarkExpired(ctx, task.BoundAccountID); merr != nil {
					e.logger.Error("mark account expired",
						slog.String("account_id", task.BoundAccountID),
						slog.String("error", merr.Error()),
					)
				}
			}
			return domain.FatalFailure(err.Error())
		default:
			return domain.RetryableFailure(err.Error())
		}
	}

	var statusErr *bili.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Gone() {
			return domain.FatalFailure(err.Error())
		}
		return domain.RetryableFailure(err.Error())
	}

	// Timeouts, connection resets and cancellations are all transient.
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.RetryableFailure(err.Error())
	}
	return domain.RetryableFailure(err.Error())
}
