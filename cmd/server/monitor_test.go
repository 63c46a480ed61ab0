package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/jarvis/internal/health"
	"github.com/nadmax/jarvis/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	status health.Status
	err    error
}

type recordingReporter struct {
	mu         sync.Mutex
	registered []string
	reports    map[string][]report
}

func (r *recordingReporter) Register(name string, _ health.RecoveryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, name)
}

func (r *recordingReporter) ReportHealth(name string, status health.Status, _ map[string]any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports == nil {
		r.reports = make(map[string][]report)
	}
	r.reports[name] = append(r.reports[name], report{status: status, err: err})
}

func (r *recordingReporter) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports[name])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckDependencies(t *testing.T) {
	mr := miniredis.RunT(t)
	mirror, err := store.NewRedisMirror(store.Options{Addr: mr.Addr()}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mirror.Close() })

	rep := &recordingReporter{}
	checks := map[string]func(context.Context) error{
		"redis":    mirror.Ping,
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}

	checkDependencies(context.Background(), rep, checks, discardLogger())

	require.Len(t, rep.reports["redis"], 1)
	assert.Equal(t, health.StatusHealthy, rep.reports["redis"][0].status)
	require.Len(t, rep.reports["postgres"], 1)
	assert.Equal(t, health.StatusCritical, rep.reports["postgres"][0].status)
	assert.EqualError(t, rep.reports["postgres"][0].err, "connection refused")

	mr.SetError("ERR simulated outage")
	checkDependencies(context.Background(), rep, checks, discardLogger())
	require.Len(t, rep.reports["redis"], 2)
	assert.Equal(t, health.StatusCritical, rep.reports["redis"][1].status)
}

func TestStartDependencyMonitor(t *testing.T) {
	rep := &recordingReporter{}
	checks := map[string]func(context.Context) error{
		"redis": func(context.Context) error { return nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		startDependencyMonitor(ctx, rep, checks, 5*time.Millisecond, discardLogger())
		close(done)
	}()

	assert.Eventually(t, func() bool { return rep.count("redis") >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Equal(t, []string{"redis"}, rep.registered)
}

func TestStartDependencyMonitor_NoChecks(t *testing.T) {
	rep := &recordingReporter{}

	startDependencyMonitor(context.Background(), rep, nil, time.Millisecond, discardLogger())

	assert.Empty(t, rep.registered)
}
