package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainpenber/bili-stats-monitor/internal/domain"
	"github.com/rainpenber/bili-stats-monitor/pkg/ratelimit"
)

// actionRepo wraps memRepo with recorded manual actions.
type actionRepo struct {
	*memRepo
	mu      sync.Mutex
	actions []string
	err     error
}

func (r *actionRepo) record(action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.actions = append(r.actions, action)
	return nil
}

func (r *actionRepo) Trigger(_ context.Context, id string, _ time.Time) error {
	return r.record("trigger:" + id)
}

func (r *actionRepo) Resume(_ context.Context, id string, _ time.Time) error {
	return r.record("resume:" + id)
}

func (r *actionRepo) Stop(_ context.Context, id, reason string, _ time.Time) error {
	return r.record("stop:" + id + ":" + reason)
}

func newAdminServer(t *testing.T, repo *actionRepo) *httptest.Server {
	t.Helper()
	exec := NewExecutor(&fakeClient{}, &fakeAccounts{}, testLogger())
	c := NewCollector(repo, exec, ratelimit.NewInterval(0), 1, WithLogger(testLogger()))
	admin := NewAdmin(repo, c, testLogger())
	srv := httptest.NewServer(admin.Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	repo := &actionRepo{memRepo: newMemRepo()}
	srv := newAdminServer(t, repo)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSchedulerStatus(t *testing.T) {
	now := time.Now().UTC()
	repo := &actionRepo{memRepo: newMemRepo(
		fixedTask("a", now),
		fixedTask("b", now),
	)}
	repo.tasks["b"].Status = domain.StatusPaused
	srv := newAdminServer(t, repo)

	resp, err := http.Get(srv.URL + "/api/v1/scheduler/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body SchedulerStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Leader)
	assert.Equal(t, 1, body.Tasks["running"])
	assert.Equal(t, 1, body.Tasks["paused"])
}

func TestTaskActions(t *testing.T) {
	repo := &actionRepo{memRepo: newMemRepo()}
	srv := newAdminServer(t, repo)

	post := func(path, body string) *http.Response {
		t.Helper()
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, post("/api/v1/tasks/t1/trigger", "").StatusCode)
	assert.Equal(t, http.StatusOK, post("/api/v1/tasks/t1/resume", "").StatusCode)
	assert.Equal(t, http.StatusOK, post("/api/v1/tasks/t1/stop", `{"reason":"done with it"}`).StatusCode)
	assert.Equal(t, http.StatusOK, post("/api/v1/tasks/t2/stop", "").StatusCode)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, []string{
		"trigger:t1",
		"resume:t1",
		"stop:t1:done with it",
		"stop:t2:stopped by user",
	}, repo.actions)
}

func TestTaskActionRejections(t *testing.T) {
	repo := &actionRepo{memRepo: newMemRepo()}
	repo.err = &domain.InvalidTransitionError{TaskID: "t1", From: domain.StatusStopped, Action: "resume"}
	srv := newAdminServer(t, repo)

	resp, err := http.Post(srv.URL+"/api/v1/tasks/t1/resume", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	repo.err = &domain.TaskNotFoundError{TaskID: "t1"}
	resp, err = http.Post(srv.URL+"/api/v1/tasks/t1/trigger", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
