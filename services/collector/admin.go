package collector

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rainpenber/bili-stats-monitor/internal/domain"
	"github.com/rainpenber/bili-stats-monitor/internal/postgres"
)

// Admin is the small operational HTTP surface of collectord. The
// dashboard proper lives elsewhere; this only exposes health, scheduler
// status and the manual task actions.
type Admin struct {
	repo      postgres.TaskRepository
	collector *Collector
	logger    *slog.Logger
}

func NewAdmin(repo postgres.TaskRepository, collector *Collector, logger *slog.Logger) *Admin {
	return &Admin{repo: repo, collector: collector, logger: logger}
}

// Router builds the chi router for the admin endpoints.
func (a *Admin) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(a.logger))

	r.Get("/healthz", a.healthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/scheduler/status", a.schedulerStatus)
		r.Post("/tasks/{id}/trigger", a.taskAction("trigger"))
		r.Post("/tasks/{id}/resume", a.taskAction("resume"))
		r.Post("/tasks/{id}/stop", a.taskAction("stop"))
	})
	return r
}

func (a *Admin) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// SchedulerStatusResponse is the GET /api/v1/scheduler/status body.
type SchedulerStatusResponse struct {
	Leader   bool           `json:"leader"`
	InFlight int64          `json:"in_flight"`
	Tasks    map[string]int `json:"tasks"`
}

func (a *Admin) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := a.repo.CountByStatus(r.Context())
	if err != nil {
		a.logger.Error("count tasks by status", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read task counts")
		return
	}

	resp := SchedulerStatusResponse{
		Leader:   a.collector.IsLeader(),
		InFlight: a.collector.InFlight(),
		Tasks:    make(map[string]int, len(counts)),
	}
	for status, n := range counts {
		resp.Tasks[string(status)] = n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// stopRequest is the optional POST body for the stop action.
type stopRequest struct {
	Reason string `json:"reason"`
}

// taskAction handles the manual trigger/resume/stop endpoints, which
// share the same shape: conditional update, 404/409 on rejection.
func (a *Admin) taskAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "id")
		if taskID == "" {
			writeError(w, http.StatusBadRequest, "task ID is required")
			return
		}

		ctx := r.Context()
		now := time.Now().UTC()

		var err error
		switch action {
		case "trigger":
			err = a.repo.Trigger(ctx, taskID, now)
		case "resume":
			err = a.repo.Resume(ctx, taskID, now)
		case "stop":
			var req stopRequest
			// Body is optional; a missing reason becomes "stopped by user".
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Reason == "" {
				req.Reason = "stopped by user"
			}
			err = a.repo.Stop(ctx, taskID, req.Reason, now)
		}

		if err != nil {
			var notFound *domain.TaskNotFoundError
			var invalid *domain.InvalidTransitionError
			switch {
			case errors.As(err, &notFound):
				writeError(w, http.StatusNotFound, "task not found")
			case errors.As(err, &invalid):
				writeError(w, http.StatusConflict, invalid.Error())
			default:
				a.logger.Error("task action failed",
					slog.String("task_id", taskID),
					slog.String("action", action),
					slog.String("error", err.Error()),
				)
				writeError(w, http.StatusInternalServerError, "task action failed")
			}
			return
		}

		a.logger.Info("task action applied",
			slog.String("task_id", taskID),
			slog.String("action", action),
		)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"task_id": taskID, "action": action})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLogger logs every admin request with method, path, status and
// duration.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}
