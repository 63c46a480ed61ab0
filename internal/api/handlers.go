// Package api exposes the assistant, scheduler and health registry over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nadmax/jarvis/internal/assistant"
	"github.com/nadmax/jarvis/internal/dashboard"
	"github.com/nadmax/jarvis/internal/health"
	"github.com/nadmax/jarvis/internal/httputil"
	"github.com/nadmax/jarvis/internal/middleware"
	"github.com/nadmax/jarvis/internal/repository"
	"github.com/nadmax/jarvis/internal/scheduler"
	"github.com/nadmax/jarvis/internal/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxCommandBytes = 64 << 10

type Scheduler interface {
	Snapshot(id string) (task.Task, error)
	Recent(n int) []task.Task
	Stats() scheduler.Stats
	Cancel(id string) bool
}

// Mirror serves tasks evicted from the scheduler's in-memory history.
type Mirror interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	RecentTasks(ctx context.Context, limit int64) ([]task.Task, error)
}

type Health interface {
	SystemHealth() health.SystemHealth
	Component(name string) (health.Component, bool)
	ForceRecovery(ctx context.Context, name string) bool
	History(n int) []health.Snapshot
}

type Assistant interface {
	ProcessText(ctx context.Context, text string) string
	TakePhoto(ctx context.Context) assistant.PhotoResult
	Status() assistant.SystemStatus
}

// Deps wires the API. Mirror, Repository and Assistant are optional and must
// be left nil, not typed-nil, when absent.
type Deps struct {
	Scheduler  Scheduler
	Mirror     Mirror
	Repository repository.TaskRepository
	Health     Health
	Assistant  Assistant
	// Resources maps a resource name to its status snapshot.
	Resources map[string]func() any
	Logger    *slog.Logger
}

type API struct {
	deps   Deps
	logger *slog.Logger
	router chi.Router
}

type CommandRequest struct {
	Text string `json:"text"`
}

type CommandResponse struct {
	Reply string `json:"reply"`
}

func NewAPI(deps Deps) *API {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &API{
		deps:   deps,
		logger: logger.With("component", "api"),
		router: chi.NewRouter(),
	}

	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	r := a.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.MetricsMiddleware)

	var mirror dashboard.Mirror
	if a.deps.Mirror != nil {
		mirror = a.deps.Mirror
	}
	dash := dashboard.NewDashboard(a.deps.Scheduler, mirror, a.logger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", a.getHealth)
		r.Get("/health/history", a.getHealthHistory)
		r.Post("/health/{component}/recover", a.recoverComponent)

		r.Get("/resources", a.getResources)
		r.Get("/status", a.getStatus)

		r.Get("/tasks/{id}", a.getTask)
		r.Delete("/tasks/{id}", a.cancelTask)

		r.Get("/dashboard/stats", dash.GetStats)
		r.Get("/dashboard/history", dash.GetRecentTasks)

		r.Route("/history", func(r chi.Router) {
			r.Use(a.requireRepository)
			r.Get("/stats", a.getTaskStats)
			r.Get("/recent", a.getRecentHistory)
			r.Get("/task/{id}", a.getTaskHistory)
			r.Get("/kind/{kind}", a.getTasksByKind)
		})

		r.Post("/commands", a.processCommand)
		r.Post("/photo", a.takePhoto)
	})

	r.Handle("/metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) getHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, a.deps.Health.SystemHealth())
}

func (a *API) getHealthHistory(w http.ResponseWriter, r *http.Request) {
	limit := httputil.IntQuery(r, "limit", 50, 1000)
	httputil.WriteJSON(w, http.StatusOK, a.deps.Health.History(limit))
}

func (a *API) recoverComponent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "component")
	if _, ok := a.deps.Health.Component(name); !ok {
		httputil.WriteJSONError(w, "Component not found", http.StatusNotFound)
		return
	}

	recovered := a.deps.Health.ForceRecovery(r.Context(), name)
	a.logger.Info("forced recovery", "name", name, "recovered", recovered)

	comp, _ := a.deps.Health.Component(name)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"component": name,
		"recovered": recovered,
		"status":    comp.Status,
	})
}

func (a *API) getResources(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]any, len(a.deps.Resources))
	for name, status := range a.deps.Resources {
		out[name] = status()
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (a *API) getStatus(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Assistant == nil {
		httputil.WriteJSON(w, http.StatusOK, a.deps.Scheduler.Stats())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a.deps.Assistant.Status())
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := a.deps.Scheduler.Snapshot(id)
	if err == nil {
		httputil.WriteJSON(w, http.StatusOK, t)
		return
	}

	if a.deps.Mirror != nil {
		mirrored, merr := a.deps.Mirror.GetTask(r.Context(), id)
		if merr == nil {
			httputil.WriteJSON(w, http.StatusOK, mirrored)
			return
		}
		if !errors.Is(merr, task.ErrTaskNotFound) {
			a.logger.Warn("mirror lookup failed", "task_id", id, "error", merr)
		}
	}

	httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := a.deps.Scheduler.Snapshot(id); err != nil {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if !a.deps.Scheduler.Cancel(id) {
		httputil.WriteJSONError(w, "Task can no longer be cancelled", http.StatusConflict)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"task_id": id,
		"status":  string(task.StatusCancelled),
	})
}

func (a *API) requireRepository(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Repository == nil {
			httputil.WriteJSONError(w, "PostgreSQL not configured", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) getTaskStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h <= 0 {
			httputil.WriteJSONError(w, "Invalid hours parameter", http.StatusBadRequest)
			return
		}
		hours = h
	}

	stats, err := a.deps.Repository.GetTaskStats(r.Context(), hours)
	if err != nil {
		a.logger.Error("failed to get task stats", "error", err)
		httputil.WriteJSONError(w, "Failed to get task stats", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) getRecentHistory(w http.ResponseWriter, r *http.Request) {
	limit := httputil.IntQuery(r, "limit", 50, 500)

	tasks, err := a.deps.Repository.GetRecentTasks(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to get recent tasks", "error", err)
		httputil.WriteJSONError(w, "Failed to get recent tasks", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (a *API) getTaskHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	executions, err := a.deps.Repository.GetTaskHistory(r.Context(), id)
	if err != nil {
		a.logger.Error("failed to get task history", "task_id", id, "error", err)
		httputil.WriteJSONError(w, "Failed to get task history", http.StatusInternalServerError)
		return
	}
	if len(executions) == 0 {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, executions)
}

func (a *API) getTasksByKind(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	limit := httputil.IntQuery(r, "limit", 50, 500)

	tasks, err := a.deps.Repository.GetTasksByKind(r.Context(), kind, limit)
	if err != nil {
		a.logger.Error("failed to get tasks by kind", "kind", kind, "error", err)
		httputil.WriteJSONError(w, "Failed to get tasks", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (a *API) processCommand(w http.ResponseWriter, r *http.Request) {
	if a.deps.Assistant == nil {
		httputil.WriteJSONError(w, "Assistant not running", http.StatusServiceUnavailable)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes)).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		httputil.WriteJSONError(w, "Text is required", http.StatusBadRequest)
		return
	}

	reply := a.deps.Assistant.ProcessText(r.Context(), req.Text)
	httputil.WriteJSON(w, http.StatusOK, CommandResponse{Reply: reply})
}

func (a *API) takePhoto(w http.ResponseWriter, r *http.Request) {
	if a.deps.Assistant == nil {
		httputil.WriteJSONError(w, "Assistant not running", http.StatusServiceUnavailable)
		return
	}

	result := a.deps.Assistant.TakePhoto(r.Context())
	status := http.StatusOK
	if !result.Success {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, result)
}
