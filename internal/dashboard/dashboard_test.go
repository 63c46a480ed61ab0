package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/jarvis/internal/scheduler"
	"github.com/nadmax/jarvis/internal/store"
	"github.com/nadmax/jarvis/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	stats  scheduler.Stats
	recent []task.Task
}

func (s *stubSource) Stats() scheduler.Stats { return s.stats }

func (s *stubSource) Recent(n int) []task.Task {
	if n < len(s.recent) {
		return s.recent[:n]
	}
	return s.recent
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func finished(id, kind string, status task.Status, created time.Time, wait, run time.Duration) task.Task {
	started := created.Add(wait)
	completed := started.Add(run)
	return task.Task{
		ID:          id,
		Kind:        kind,
		Priority:    task.PriorityNormal,
		Status:      status,
		Attempts:    1,
		CreatedAt:   created,
		StartedAt:   &started,
		CompletedAt: &completed,
	}
}

func setupTestMirror(t *testing.T) *store.RedisMirror {
	mr := miniredis.RunT(t)

	m, err := store.NewRedisMirror(store.Options{Addr: mr.Addr()}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestGetStats_Empty(t *testing.T) {
	dash := NewDashboard(&stubSource{stats: scheduler.Stats{Workers: 4}}, nil, testLogger())

	req := httptest.NewRequest("GET", "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()

	dash.GetStats(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))

	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 4, stats.Workers)
	assert.Equal(t, "N/A", stats.AverageWaitTime)
	assert.Empty(t, stats.TasksByKind)
	assert.NotZero(t, stats.LastUpdated)
}

func TestGetStats_WithTasks(t *testing.T) {
	now := time.Now()
	source := &stubSource{
		stats: scheduler.Stats{
			Total:            5,
			Completed:        3,
			Failed:           1,
			QueueSize:        1,
			AvgExecutionTime: 1500 * time.Millisecond,
		},
		recent: []task.Task{
			finished("t1", "text-command", task.StatusCompleted, now.Add(-time.Minute), 100*time.Millisecond, time.Second),
			finished("t2", "text-command", task.StatusCompleted, now.Add(-time.Minute), 300*time.Millisecond, time.Second),
			finished("t3", "photo-capture", task.StatusFailed, now.Add(-time.Minute), 200*time.Millisecond, time.Second),
		},
	}
	dash := NewDashboard(source, nil, testLogger())

	w := httptest.NewRecorder()
	dash.GetStats(w, httptest.NewRequest("GET", "/api/dashboard/stats", nil))

	assert.Equal(t, 200, w.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))

	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.QueueSize)
	assert.Equal(t, map[string]int{"text-command": 2, "photo-capture": 1}, stats.TasksByKind)
	assert.Equal(t, "200ms", stats.AverageWaitTime)
	assert.Equal(t, "1.5s", stats.AverageExecTime)
}

func TestGetRecentTasks_Empty(t *testing.T) {
	dash := NewDashboard(&stubSource{}, nil, testLogger())

	w := httptest.NewRecorder()
	dash.GetRecentTasks(w, httptest.NewRequest("GET", "/api/dashboard/history", nil))

	assert.Equal(t, 200, w.Code)

	var history []TaskHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Empty(t, history)
}

func TestGetRecentTasks_Last24HoursNewestFirst(t *testing.T) {
	now := time.Now()
	old := finished("old", "voice-command", task.StatusCompleted, now.Add(-48*time.Hour), 0, time.Second)
	first := finished("first", "text-command", task.StatusCompleted, now.Add(-2*time.Hour), 0, 250*time.Millisecond)
	second := finished("second", "photo-capture", task.StatusFailed, now.Add(-time.Hour), 0, time.Second)
	second.Error = "task timed out"
	second.Attempts = 3

	dash := NewDashboard(&stubSource{recent: []task.Task{first, old, second}}, nil, testLogger())

	w := httptest.NewRecorder()
	dash.GetRecentTasks(w, httptest.NewRequest("GET", "/api/dashboard/history", nil))

	var history []TaskHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 2)

	assert.Equal(t, "second", history[0].TaskID)
	assert.Equal(t, task.StatusFailed, history[0].Status)
	assert.Equal(t, "task timed out", history[0].Error)
	assert.Equal(t, 3, history[0].Attempts)
	assert.Equal(t, "first", history[1].TaskID)
	assert.Equal(t, "250ms", history[1].Duration)
	assert.Equal(t, "normal", history[1].Priority)
}

func TestGetRecentTasks_NoDurationWhenNotStarted(t *testing.T) {
	completed := time.Now()
	cancelled := task.Task{
		ID:          "cancelled",
		Kind:        "text-command",
		Status:      task.StatusCancelled,
		CreatedAt:   completed.Add(-time.Second),
		CompletedAt: &completed,
	}
	dash := NewDashboard(&stubSource{recent: []task.Task{cancelled}}, nil, testLogger())

	w := httptest.NewRecorder()
	dash.GetRecentTasks(w, httptest.NewRequest("GET", "/api/dashboard/history", nil))

	var history []TaskHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Empty(t, history[0].Duration)
}

func TestGetRecentTasks_MergesMirror(t *testing.T) {
	mirror := setupTestMirror(t)
	now := time.Now()
	ctx := context.Background()

	inMemory := finished("mem", "text-command", task.StatusCompleted, now.Add(-time.Minute), 0, time.Second)
	evicted := finished("evicted", "voice-command", task.StatusCompleted, now.Add(-time.Hour), 0, time.Second)
	require.NoError(t, mirror.SaveTask(ctx, inMemory))
	require.NoError(t, mirror.SaveTask(ctx, evicted))

	dash := NewDashboard(&stubSource{recent: []task.Task{inMemory}}, mirror, testLogger())

	w := httptest.NewRecorder()
	dash.GetRecentTasks(w, httptest.NewRequest("GET", "/api/dashboard/history", nil))

	var history []TaskHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 2)
	assert.Equal(t, "mem", history[0].TaskID)
	assert.Equal(t, "evicted", history[1].TaskID)
}

func TestGetRecentTasks_WithLimit(t *testing.T) {
	now := time.Now()
	var recent []task.Task
	for i := range 5 {
		recent = append(recent, finished(string(rune('a'+i)), "text-command", task.StatusCompleted, now.Add(-time.Duration(i)*time.Minute), 0, time.Second))
	}
	dash := NewDashboard(&stubSource{recent: recent}, nil, testLogger())

	w := httptest.NewRecorder()
	dash.GetRecentTasks(w, httptest.NewRequest("GET", "/api/dashboard/history?limit=2", nil))

	var history []TaskHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 2)
}
