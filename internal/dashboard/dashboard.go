// Package dashboard implements the monitoring endpoints for scheduler metrics and recent task outcomes.
package dashboard

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/nadmax/jarvis/internal/httputil"
	"github.com/nadmax/jarvis/internal/scheduler"
	"github.com/nadmax/jarvis/internal/task"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type TaskSource interface {
	Stats() scheduler.Stats
	Recent(n int) []task.Task
}

// Mirror serves terminal tasks that have left the in-memory history.
type Mirror interface {
	RecentTasks(ctx context.Context, limit int64) ([]task.Task, error)
}

type Dashboard struct {
	source TaskSource
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time
}

type Stats struct {
	scheduler.Stats
	TasksByKind     map[string]int `json:"tasks_by_kind"`
	AverageWaitTime string         `json:"average_wait_time"`
	AverageExecTime string         `json:"average_execution_time"`
	LastUpdated     time.Time      `json:"last_updated"`
}

type TaskHistory struct {
	TaskID      string      `json:"task_id"`
	Kind        string      `json:"kind"`
	Priority    string      `json:"priority"`
	Status      task.Status `json:"status"`
	Attempts    int         `json:"attempts"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at"`
	Duration    string      `json:"duration"`
	Error       string      `json:"error,omitempty"`
}

// NewDashboard builds the handlers. mirror may be nil.
func NewDashboard(source TaskSource, mirror Mirror, logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dashboard{
		source: source,
		mirror: mirror,
		logger: logger.With("component", "dashboard"),
		now:    time.Now,
	}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		Stats:       d.source.Stats(),
		TasksByKind: make(map[string]int),
		LastUpdated: d.now(),
	}
	stats.AverageExecTime = stats.AvgExecutionTime.Round(time.Millisecond).String()

	var totalWaitTime time.Duration
	waitCount := 0

	for _, t := range d.source.Recent(maxHistoryLimit) {
		stats.TasksByKind[t.Kind]++

		if t.StartedAt != nil {
			totalWaitTime += t.StartedAt.Sub(t.CreatedAt)
			waitCount++
		}
	}

	if waitCount > 0 {
		avgWait := totalWaitTime / time.Duration(waitCount)
		stats.AverageWaitTime = avgWait.Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// GetRecentTasks lists tasks finished in the last 24 hours, newest first,
// merging the in-memory history with the mirror.
func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	limit := httputil.IntQuery(r, "limit", defaultHistoryLimit, maxHistoryLimit)

	tasks := d.source.Recent(limit)
	if d.mirror != nil && len(tasks) < limit {
		mirrored, err := d.mirror.RecentTasks(r.Context(), int64(limit))
		if err != nil {
			d.logger.Warn("failed to read mirrored tasks", "error", err)
		}
		seen := make(map[string]bool, len(tasks))
		for _, t := range tasks {
			seen[t.ID] = true
		}
		for _, t := range mirrored {
			if !seen[t.ID] {
				tasks = append(tasks, t)
				seen[t.ID] = true
			}
		}
	}

	cutoff := d.now().Add(-24 * time.Hour)
	history := []TaskHistory{}

	for _, t := range tasks {
		if t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			continue
		}

		var duration string
		if t.StartedAt != nil {
			duration = t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
		}

		history = append(history, TaskHistory{
			TaskID:      t.ID,
			Kind:        t.Kind,
			Priority:    t.Priority.String(),
			Status:      t.Status,
			Attempts:    t.Attempts,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			Duration:    duration,
			Error:       t.Error,
		})
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CompletedAt.After(*history[j].CompletedAt)
	})
	if len(history) > limit {
		history = history[:limit]
	}

	httputil.WriteJSON(w, http.StatusOK, history)
}
