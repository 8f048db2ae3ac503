// Package collector runs the collection scheduler: a polling loop that
// claims due monitoring tasks, fetches current stats for each through a
// shared rate limiter and concurrency gate, and applies the resulting
// lifecycle transition.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rainpenber/bili-stats-monitor/internal/domain"
	"github.com/rainpenber/bili-stats-monitor/internal/events"
	"github.com/rainpenber/bili-stats-monitor/internal/postgres"
	redisstore "github.com/rainpenber/bili-stats-monitor/internal/redis"
	"github.com/rainpenber/bili-stats-monitor/pkg/ratelimit"
	"github.com/rainpenber/bili-stats-monitor/pkg/telemetry"
)

// Elector decides whether this instance may dispatch tasks.
type Elector interface {
	AcquireOrRenew(ctx context.Context) bool
	Resign(ctx context.Context)
}

// Collector is the scheduler loop. One instance per process; when several
// processes share a database, Redis leader election keeps exactly one
// of them dispatching.
type Collector struct {
	repo     postgres.TaskRepository
	executor *Executor
	limiter  *ratelimit.Limiter
	gate     *semaphore.Weighted

	elector Elector
	mirror  redisstore.StateStore
	sink    events.Sink

	pollInterval   time.Duration
	requestTimeout time.Duration
	batchLimit     int
	policy         domain.Policy
	logger         *slog.Logger
	now            func() time.Time

	leader   atomic.Bool
	inFlight atomic.Int64
	pending  atomic.Int64
	wg       sync.WaitGroup
}

// Option configures a Collector.
type Option func(*Collector)

func WithPollInterval(d time.Duration) Option   { return func(c *Collector) { c.pollInterval = d } }
func WithRequestTimeout(d time.Duration) Option { return func(c *Collector) { c.requestTimeout = d } }
func WithBatchLimit(n int) Option               { return func(c *Collector) { c.batchLimit = n } }
func WithMaxRetries(n int) Option               { return func(c *Collector) { c.policy.MaxRetries = n } }
func WithLogger(l *slog.Logger) Option          { return func(c *Collector) { c.logger = l } }
func WithElector(e Elector) Option              { return func(c *Collector) { c.elector = e } }
func WithStateMirror(m redisstore.StateStore) Option {
	return func(c *Collector) { c.mirror = m }
}
func WithEventSink(s events.Sink) Option { return func(c *Collector) { c.sink = s } }

// NewCollector constructs the scheduler with the given dependencies.
// maxConcurrent bounds simultaneous fetches across all claimed tasks.
func NewCollector(
	repo postgres.TaskRepository,
	executor *Executor,
	limiter *ratelimit.Limiter,
	maxConcurrent int,
	opts ...Option,
) *Collector {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	c := &Collector{
		repo:           repo,
		executor:       executor,
		limiter:        limiter,
		gate:           semaphore.NewWeighted(int64(maxConcurrent)),
		pollInterval:   5 * time.Second,
		requestTimeout: 10 * time.Second,
		batchLimit:     100,
		policy:         domain.Policy{MaxRetries: 3},
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsLeader reports whether the last tick held dispatch leadership.
func (c *Collector) IsLeader() bool { return c.leader.Load() }

// InFlight returns the number of collections currently executing.
func (c *Collector) InFlight() int64 { return c.inFlight.Load() }

// Run is the main polling loop. Blocks until ctx is cancelled, then
// drains in-flight collections before returning.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	// First tick fires immediately so a restart picks up overdue tasks
	// without waiting a full interval.
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("scheduler stopping, draining in-flight collections",
				slog.Int64("in_flight", c.inFlight.Load()))
			c.wg.Wait()
			if c.elector != nil {
				resignCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				c.elector.Resign(resignCtx)
				cancel()
			}
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Collector) tick(ctx context.Context) {
	if c.elector != nil && !c.elector.AcquireOrRenew(ctx) {
		c.leader.Store(false)
		return
	}
	c.leader.Store(true)

	// A claim is exclusive only while its TTL holds. Claiming more
	// tasks than we can start before the TTL lapses would let a later
	// tick re-claim a task whose goroutine is still queued on the gate,
	// so the backlog of undispatched claims is capped at one batch.
	limit := c.batchLimit - int(c.pending.Load())
	if limit <= 0 {
		return
	}

	now := c.now().UTC()
	tasks, err := c.repo.ClaimDue(ctx, now, limit)
	if err != nil {
		c.logger.Error("claim due tasks", slog.String("error", err.Error()))
		return
	}
	telemetry.DueBatchSize.Observe(float64(len(tasks)))
	if len(tasks) == 0 {
		return
	}
	c.logger.Debug("claimed due tasks", slog.Int("count", len(tasks)))

	for _, task := range tasks {
		c.pending.Add(1)
		c.wg.Add(1)
		go c.process(ctx, task)
	}
}

// process handles one claimed task end to end. Any failure before the
// decision is persisted releases the claim so the task retries next tick.
func (c *Collector) process(ctx context.Context, task *domain.Task) {
	defer c.wg.Done()
	defer c.pending.Add(-1)

	if err := c.gate.Acquire(ctx, 1); err != nil {
		c.releaseClaim(task.ID, "shutdown before dispatch")
		return
	}
	defer c.gate.Release(1)

	now := c.now().UTC()

	// Deadline precedence: an expired task completes without consuming
	// a rate-limiter permit or an upstream request.
	if task.DeadlineExpired(now) {
		c.apply(task, domain.CompleteByDeadline())
		return
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.releaseClaim(task.ID, "shutdown while rate limited")
		return
	}

	c.inFlight.Add(1)
	telemetry.CollectionsInFlight.Inc()
	start := time.Now()
	defer func() {
		telemetry.CollectionDurationSeconds.WithLabelValues(string(task.Kind)).Observe(time.Since(start).Seconds())
		telemetry.CollectionsInFlight.Dec()
		c.inFlight.Add(-1)
	}()

	// The fetch context is detached from the loop context so a shutdown
	// lets an in-flight upstream call finish on its own timeout instead
	// of aborting it and charging the task a retry. Run's WaitGroup
	// drain bounds how long that can hold up shutdown.
	execCtx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	outcome := c.executor.Execute(execCtx, task)
	cancel()
	telemetry.CollectionsTotal.WithLabelValues(string(task.Kind), string(outcome.Kind)).Inc()

	c.apply(task, domain.Evaluate(task, outcome, c.now().UTC(), c.policy))
}

// apply persists the decision on a detached context so an in-flight
// result still lands during shutdown.
func (c *Collector) apply(task *domain.Task, d domain.Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := c.now().UTC()
	if err := c.repo.ApplyDecision(ctx, task.ID, d, now); err != nil {
		c.logger.Error("apply decision",
			slog.String("task_id", task.ID),
			slog.String("status", string(d.Status)),
			slog.String("error", err.Error()),
		)
		c.releaseClaim(task.ID, "apply decision failed")
		return
	}

	log := c.logger.With(slog.String("task_id", task.ID), slog.String("kind", string(task.Kind)))
	if d.Status != task.Status {
		telemetry.TransitionsTotal.WithLabelValues(string(d.Status)).Inc()
		log.Info("task transition",
			slog.String("from", string(task.Status)),
			slog.String("to", string(d.Status)),
			slog.String("reason", d.Reason),
		)
		if c.sink != nil {
			c.sink.OnTransition(ctx, events.Transition{
				TaskID:   task.ID,
				Kind:     task.Kind,
				TargetID: task.TargetID,
				From:     task.Status,
				To:       d.Status,
				Reason:   d.Reason,
				At:       now,
			})
		}
	} else if d.NextDueAt != nil {
		log.Debug("task rescheduled",
			slog.Time("next_due_at", *d.NextDueAt),
			slog.Int("consecutive_failures", d.ConsecutiveFailures),
		)
	}

	if c.mirror != nil {
		if err := c.mirror.SetStatus(ctx, task.ID, d.Status); err != nil {
			log.Warn("mirror status", slog.String("error", err.Error()))
		}
		if d.Sample != nil {
			if err := c.mirror.SetLastSample(ctx, d.Sample); err != nil {
				log.Warn("mirror sample", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Collector) releaseClaim(taskID, why string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.repo.ReleaseClaim(ctx, taskID); err != nil {
		c.logger.Error("release claim",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.ClaimReleasesTotal.Inc()
	c.logger.Warn("claim released", slog.String("task_id", taskID), slog.String("cause", why))
}
