package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/jarvis/internal/health"
)

// healthReporter is the part of the health registry the dependency monitor feeds.
type healthReporter interface {
	Register(name string, recovery health.RecoveryFunc)
	ReportHealth(name string, status health.Status, metrics map[string]any, err error)
}

// startDependencyMonitor pings the external stores on every tick and reports
// each one to the registry. It returns when ctx is done.
func startDependencyMonitor(ctx context.Context, reg healthReporter, checks map[string]func(context.Context) error, interval time.Duration, logger *slog.Logger) {
	if len(checks) == 0 {
		return
	}
	for name := range checks {
		reg.Register(name, nil)
	}

	checkDependencies(ctx, reg, checks, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkDependencies(ctx, reg, checks, logger)
		}
	}
}

func checkDependencies(ctx context.Context, reg healthReporter, checks map[string]func(context.Context) error, logger *slog.Logger) {
	for name, ping := range checks {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		start := time.Now()
		err := ping(cctx)
		cancel()

		latency := time.Since(start)
		m := map[string]any{"latency_ms": latency.Milliseconds()}
		if err != nil {
			logger.Warn("dependency check failed", "name", name, "error", err)
			reg.ReportHealth(name, health.StatusCritical, m, err)
			continue
		}
		reg.ReportHealth(name, health.StatusHealthy, m, nil)
	}
}
