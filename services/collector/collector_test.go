package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainpenber/bili-stats-monitor/internal/bili"
	"github.com/rainpenber/bili-stats-monitor/internal/domain"
	"github.com/rainpenber/bili-stats-monitor/internal/events"
	"github.com/rainpenber/bili-stats-monitor/internal/postgres"
	"github.com/rainpenber/bili-stats-monitor/pkg/ratelimit"
)

// ── fakes ────────────────────────────────────────────────────────────────────

// memRepo is an in-memory TaskRepository good enough for loop tests:
// claims are exclusive, decisions are applied atomically under one lock.
type memRepo struct {
	mu        sync.Mutex
	tasks     map[string]*domain.Task
	claimed   map[string]bool
	samples   []*domain.MetricSample
	released  []string
	applyErr  error
	claimTTL  time.Duration
	claimHits int
}

func newMemRepo(tasks ...*domain.Task) *memRepo {
	r := &memRepo{
		tasks:    make(map[string]*domain.Task),
		claimed:  make(map[string]bool),
		claimTTL: 2 * time.Minute,
	}
	for _, task := range tasks {
		r.tasks[task.ID] = task
	}
	return r
}

func (r *memRepo) Create(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, nil
}

func (r *memRepo) ListByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, task := range r.tasks {
		if task.Status == status && len(out) < limit {
			out = append(out, task)
		}
	}
	return out, nil
}

func (r *memRepo) CountByStatus(_ context.Context) (map[domain.Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.Status]int)
	for _, task := range r.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func (r *memRepo) ClaimDue(_ context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimHits++
	var out []*domain.Task
	for _, task := range r.tasks {
		if len(out) >= limit {
			break
		}
		if task.Status != domain.StatusRunning || r.claimed[task.ID] {
			continue
		}
		if task.NextDueAt == nil || task.NextDueAt.After(now) {
			continue
		}
		r.claimed[task.ID] = true
		copied := *task
		out = append(out, &copied)
	}
	return out, nil
}

func (r *memRepo) ApplyDecision(_ context.Context, taskID string, d domain.Decision, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return r.applyErr
	}
	task, ok := r.tasks[taskID]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}
	task.Status = d.Status
	task.Reason = d.Reason
	task.ConsecutiveFailures = d.ConsecutiveFailures
	task.NextDueAt = d.NextDueAt
	task.UpdatedAt = now
	delete(r.claimed, taskID)
	if d.Sample != nil {
		r.samples = append(r.samples, d.Sample)
	}
	return nil
}

func (r *memRepo) ReleaseClaim(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, taskID)
	r.released = append(r.released, taskID)
	return nil
}

func (r *memRepo) ReleaseExpiredClaims(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *memRepo) PauseExpiredAccountTasks(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *memRepo) Trigger(_ context.Context, _ string, _ time.Time) error { return nil }
func (r *memRepo) Resume(_ context.Context, _ string, _ time.Time) error  { return nil }
func (r *memRepo) Stop(_ context.Context, _, _ string, _ time.Time) error { return nil }

// stallClient parks every video fetch until release is closed, while
// still honoring the fetch context's own deadline.
type stallClient struct {
	entered chan struct{} // receives one value per fetch that has started
	release chan struct{}
}

func newStallClient() *stallClient {
	return &stallClient{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (c *stallClient) GetVideoView(ctx context.Context, _, _ string) (*bili.VideoView, error) {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	select {
	case <-c.release:
		return healthyView(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *stallClient) GetOnlineTotal(_ context.Context, _ string, _ int64, _ string) (int64, error) {
	return 1, nil
}

func (c *stallClient) GetUserStat(_ context.Context, _, _ string) (*bili.UserStat, error) {
	return nil, errors.New("unexpected author fetch")
}

type fakeElector struct {
	leader   bool
	resigned bool
}

func (e *fakeElector) AcquireOrRenew(_ context.Context) bool { return e.leader }
func (e *fakeElector) Resign(_ context.Context)              { e.resigned = true }

type memSink struct {
	mu          sync.Mutex
	transitions []events.Transition
}

func (s *memSink) OnTransition(_ context.Context, t events.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
}

func (s *memSink) Close() error { return nil }

func (s *memSink) all() []events.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Transition(nil), s.transitions...)
}

// fakeClock is a settable clock shared between collector and test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// ── helpers ──────────────────────────────────────────────────────────────────

func newTestCollector(t *testing.T, repo *memRepo, client StatsClient, clock *fakeClock, opts ...Option) *Collector {
	t.Helper()
	exec := NewExecutor(client, &fakeAccounts{cookie: "SESSDATA=x"}, testLogger())
	limiter := ratelimit.NewInterval(0) // no spacing in loop tests

	opts = append([]Option{WithLogger(testLogger())}, opts...)
	c := NewCollector(repo, exec, limiter, 4, opts...)
	c.now = clock.Now
	return c
}

func fixedTask(id string, due time.Time) *domain.Task {
	created := due.Add(-time.Hour)
	d := due
	return &domain.Task{
		ID:        id,
		Kind:      domain.KindVideo,
		TargetID:  "BV1xx411c7mD",
		Strategy:  domain.Strategy{Mode: domain.StrategyFixed, IntervalMinutes: 60},
		Status:    domain.StatusRunning,
		CreatedAt: created,
		NextDueAt: &d,
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestTickFixedIntervalSchedule(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	repo := newMemRepo(fixedTask("task-1", t0))
	client := &fakeClient{view: healthyView(), online: 5}
	c := newTestCollector(t, repo, client, clock)

	// t0: due, fetched, rescheduled to t0+60m.
	c.tick(context.Background())
	c.wg.Wait()

	task, err := repo.GetByID(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, task.NextDueAt)
	assert.True(t, task.NextDueAt.Equal(t0.Add(60*time.Minute)))
	assert.Len(t, repo.samples, 1)

	// t0+30m: not due, nothing claimed.
	clock.Set(t0.Add(30 * time.Minute))
	c.tick(context.Background())
	c.wg.Wait()
	assert.Len(t, repo.samples, 1)

	// t0+61m: due again, exactly one more sample.
	clock.Set(t0.Add(61 * time.Minute))
	c.tick(context.Background())
	c.wg.Wait()
	assert.Len(t, repo.samples, 2)
}

func TestTickSkipsWhenNotLeader(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	repo := newMemRepo(fixedTask("task-1", t0))
	elector := &fakeElector{leader: false}
	c := newTestCollector(t, repo, &fakeClient{view: healthyView()}, clock, WithElector(elector))

	c.tick(context.Background())
	c.wg.Wait()

	assert.Equal(t, 0, repo.claimHits)
	assert.False(t, c.IsLeader())
	assert.Empty(t, repo.samples)
}

func TestDeadlineCompletesWithoutFetch(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}

	task := fixedTask("task-1", t0)
	deadline := t0.Add(-time.Minute)
	task.Deadline = &deadline

	repo := newMemRepo(task)
	// A client that would fail the fetch: it must never be reached.
	client := &fakeClient{viewErr: &bili.StatusError{Endpoint: "/x/web-interface/view", StatusCode: 500}}
	sink := &memSink{}
	c := newTestCollector(t, repo, client, clock, WithEventSink(sink))

	c.tick(context.Background())
	c.wg.Wait()

	got, err := repo.GetByID(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, domain.ReasonDeadlineReached, got.Reason)
	assert.Empty(t, repo.samples)

	transitions := sink.all()
	require.Len(t, transitions, 1)
	assert.Equal(t, domain.StatusRunning, transitions[0].From)
	assert.Equal(t, domain.StatusCompleted, transitions[0].To)
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	repo := newMemRepo(fixedTask("task-1", t0))
	client := &fakeClient{viewErr: &bili.StatusError{Endpoint: "/x/web-interface/view", StatusCode: 503}}
	sink := &memSink{}
	c := newTestCollector(t, repo, client, clock, WithEventSink(sink), WithMaxRetries(3))

	for i := 0; i < 3; i++ {
		c.tick(context.Background())
		c.wg.Wait()
		task, err := repo.GetByID(context.Background(), "task-1")
		require.NoError(t, err)
		if task.NextDueAt != nil {
			clock.Set(task.NextDueAt.Add(time.Second))
		}
	}

	task, err := repo.GetByID(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Equal(t, 3, task.ConsecutiveFailures)

	transitions := sink.all()
	require.Len(t, transitions, 1)
	assert.Equal(t, domain.StatusFailed, transitions[0].To)
}

func TestApplyFailureReleasesClaim(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	repo := newMemRepo(fixedTask("task-1", t0))
	repo.applyErr = context.DeadlineExceeded
	c := newTestCollector(t, repo, &fakeClient{view: healthyView()}, clock)

	c.tick(context.Background())
	c.wg.Wait()

	assert.Equal(t, []string{"task-1"}, repo.released)
	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.False(t, repo.claimed["task-1"])
}

func TestSkipOutcomePausesTask(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	repo := newMemRepo(fixedTask("task-1", t0))

	exec := NewExecutor(&fakeClient{}, &fakeAccounts{err: postgres.ErrNoAccount}, testLogger())
	limiter := ratelimit.NewInterval(0)
	sink := &memSink{}
	c := NewCollector(repo, exec, limiter, 4,
		WithLogger(testLogger()), WithEventSink(sink))
	c.now = clock.Now

	c.tick(context.Background())
	c.wg.Wait()

	task, err := repo.GetByID(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, task.Status)
	assert.Equal(t, domain.ReasonNoAccount, task.Reason)
}

func TestShutdownLetsInFlightFetchFinish(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	repo := newMemRepo(fixedTask("task-1", t0))
	client := newStallClient()
	c := newTestCollector(t, repo, client, clock)

	ctx, cancel := context.WithCancel(context.Background())
	c.tick(ctx)

	select {
	case <-client.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}

	// Shutdown lands while the upstream call is still in flight; the
	// fetch must be allowed to finish and its result applied, not
	// converted into a failure that eats retry budget.
	cancel()
	close(client.release)
	c.wg.Wait()

	task, err := repo.GetByID(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, task.Status)
	assert.Equal(t, 0, task.ConsecutiveFailures)
	assert.Len(t, repo.samples, 1)
	assert.Empty(t, repo.released)
}

func TestTickCapsUndispatchedClaims(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	repo := newMemRepo(fixedTask("task-1", t0), fixedTask("task-2", t0), fixedTask("task-3", t0))
	client := newStallClient()

	exec := NewExecutor(client, &fakeAccounts{cookie: "SESSDATA=x"}, testLogger())
	c := NewCollector(repo, exec, ratelimit.NewInterval(0), 1,
		WithLogger(testLogger()), WithBatchLimit(2))
	c.now = clock.Now

	// First tick claims a full batch; with one gate slot only one task
	// fetches, the other queues with its claim held.
	c.tick(context.Background())
	select {
	case <-client.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}

	// While the batch is still queued the next tick must not claim
	// more work, or a queued task's claim could lapse and be handed
	// to a second worker.
	c.tick(context.Background())
	repo.mu.Lock()
	hits := repo.claimHits
	repo.mu.Unlock()
	assert.Equal(t, 1, hits)

	close(client.release)
	c.wg.Wait()

	// Backlog drained: the remaining due task is claimed normally.
	c.tick(context.Background())
	c.wg.Wait()
	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Len(t, repo.samples, 3)
}

func TestRunDrainsAndResigns(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	repo := newMemRepo(fixedTask("task-1", t0))
	elector := &fakeElector{leader: true}
	c := newTestCollector(t, repo, &fakeClient{view: healthyView()}, clock,
		WithElector(elector), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.True(t, elector.resigned)
	assert.Equal(t, int64(0), c.InFlight())
	assert.NotEmpty(t, repo.samples)
}
