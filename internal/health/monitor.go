package health

import (
	"context"
	"time"
)

// Start launches the monitor loop. Calling Start twice is a no-op.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.bgCtx)
	r.cancel = cancel
	r.mu.Unlock()

	r.logger.Info("health monitor started", "interval", r.cfg.CheckInterval)
	r.monitor.Go(func() { r.run(ctx) })
}

func (r *Registry) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.check(ctx, r.now())
		}
	}
}

// check runs one monitor pass: stale healthy components degrade to warning,
// idle critical or failed components get another recovery, and a snapshot is
// appended to the history.
func (r *Registry) check(ctx context.Context, now time.Time) {
	var retry []string

	r.mu.Lock()
	for name, rec := range r.components {
		switch rec.Status {
		case StatusHealthy:
			if now.Sub(rec.LastReport) > r.cfg.StaleAfter {
				rec.Status = StatusWarning
				r.logger.Warn("component stopped reporting", "name", name, "last_report", rec.LastReport)
			}
		case StatusCritical, StatusFailed:
			if rec.recovery == nil || rec.recovering {
				continue
			}
			idle := rec.LastReport
			if rec.lastRecovery.After(idle) {
				idle = rec.lastRecovery
			}
			if now.Sub(idle) > r.cfg.RecoveryCooldown {
				retry = append(retry, name)
			}
		}
	}
	snap := r.snapshotLocked(now)
	alert := r.evaluateLocked()
	r.mu.Unlock()

	r.alert(alert)

	for _, name := range retry {
		if ctx.Err() != nil {
			return
		}
		r.recover(ctx, name)
	}

	if r.sink != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := r.sink.SaveHealthSnapshot(sctx, snap); err != nil {
			r.logger.Error("failed to store health snapshot", "error", err)
		}
		cancel()
	}
}

func (r *Registry) snapshotLocked(now time.Time) Snapshot {
	statuses := make(map[string]Status, len(r.components))
	list := make([]Status, 0, len(r.components))
	for name, rec := range r.components {
		statuses[name] = rec.Status
		list = append(list, rec.Status)
	}

	snap := Snapshot{
		Timestamp:        now,
		Overall:          Overall(list),
		ComponentCount:   len(r.components),
		GlobalErrorCount: r.globalErrors,
		Statuses:         statuses,
	}

	r.history = append(r.history, snap)
	if over := len(r.history) - r.cfg.HistorySize; over > 0 {
		r.history = append(r.history[:0], r.history[over:]...)
	}

	return snap
}

// History returns up to n snapshots, oldest first. n <= 0 returns all of them.
func (r *Registry) History(n int) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	out := make([]Snapshot, n)
	copy(out, r.history[len(r.history)-n:])

	return out
}

// Stop halts the monitor, waits for background recoveries and alerts, and
// writes a final report when a report directory is configured.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.bgStop()

	done := make(chan struct{})
	go func() {
		r.monitor.Wait()
		r.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("health registry stop timed out waiting for background work")
	}

	if r.cfg.ReportDir == "" {
		return nil
	}

	path, err := r.WriteReport()
	if err != nil {
		return err
	}
	r.logger.Info("health report written", "path", path)

	return nil
}
