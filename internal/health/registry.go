package health

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/nadmax/jarvis/internal/metrics"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

type Config struct {
	ErrorThreshold   int
	CheckInterval    time.Duration
	StaleAfter       time.Duration
	RecoveryCooldown time.Duration
	HistorySize      int
	ReportDir        string
	KeepReports      int
}

func DefaultConfig() Config {
	return Config{
		ErrorThreshold:   5,
		CheckInterval:    10 * time.Second,
		StaleAfter:       60 * time.Second,
		RecoveryCooldown: 30 * time.Second,
		HistorySize:      1000,
		KeepReports:      30,
	}
}

// Notifier is told when the overall status becomes critical.
type Notifier interface {
	NotifyCritical(ctx context.Context, h SystemHealth) error
}

// SnapshotSink receives every monitor snapshot.
type SnapshotSink interface {
	SaveHealthSnapshot(ctx context.Context, s Snapshot) error
}

type Option func(*Registry)

func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

func WithSnapshotSink(s SnapshotSink) Option {
	return func(r *Registry) { r.sink = s }
}

type record struct {
	Component
	recovery     RecoveryFunc
	recovering   bool
	lastRecovery time.Time
}

type Registry struct {
	cfg      Config
	logger   *slog.Logger
	notifier Notifier
	sink     SnapshotSink

	mu           sync.Mutex
	components   map[string]*record
	globalErrors int
	lastCritical time.Time
	startedAt    time.Time
	history      []Snapshot
	overall      Status

	cancel  context.CancelFunc
	monitor conc.WaitGroup
	bg      conc.WaitGroup
	bgCtx   context.Context
	bgStop  context.CancelFunc
	now     func() time.Time
}

func NewRegistry(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	d := DefaultConfig()
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = d.ErrorThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = d.CheckInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.RecoveryCooldown <= 0 {
		cfg.RecoveryCooldown = d.RecoveryCooldown
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = d.HistorySize
	}
	if cfg.KeepReports <= 0 {
		cfg.KeepReports = d.KeepReports
	}
	if logger == nil {
		logger = slog.Default()
	}

	bgCtx, bgStop := context.WithCancel(context.Background())
	r := &Registry{
		cfg:        cfg,
		logger:     logger.With("component", "health_registry"),
		components: make(map[string]*record),
		startedAt:  time.Now(),
		overall:    StatusHealthy,
		bgCtx:      bgCtx,
		bgStop:     bgStop,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a component. Registering an existing name keeps its state; a
// non-nil recovery replaces a missing one.
func (r *Registry) Register(name string, recovery RecoveryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.components[name]; ok {
		if rec.recovery == nil && recovery != nil {
			rec.recovery = recovery
			rec.Recoverable = true
		}
		return
	}

	r.components[name] = r.newRecord(name, recovery)
	metrics.SetComponentHealth(name, StatusHealthy.Severity())
	r.logger.Info("component registered", "name", name, "recoverable", recovery != nil)
}

func (r *Registry) newRecord(name string, recovery RecoveryFunc) *record {
	now := r.now()
	return &record{
		Component: Component{
			Name:         name,
			Status:       StatusHealthy,
			RegisteredAt: now,
			LastReport:   now,
			Recoverable:  recovery != nil,
			Metrics:      make(map[string]any),
		},
		recovery: recovery,
	}
}

// ReportHealth records the status of a component, registering it on first
// sight. A non-nil err counts toward the error threshold; reaching it starts a
// recovery in the background.
func (r *Registry) ReportHealth(name string, status Status, m map[string]any, err error) {
	if !status.Valid() {
		r.logger.Warn("ignoring report with unknown status", "name", name, "status", status)
		return
	}

	r.mu.Lock()
	rec, ok := r.components[name]
	if !ok {
		rec = r.newRecord(name, nil)
		r.components[name] = rec
	}

	now := r.now()
	rec.Status = status
	rec.LastReport = now
	maps.Copy(rec.Metrics, m)

	trigger := false
	if err != nil {
		rec.ErrorCount++
		rec.LastError = err.Error()
		rec.LastErrorAt = &now
		r.globalErrors++
		trigger = rec.ErrorCount >= r.cfg.ErrorThreshold && !rec.recovering
		metrics.RecordComponentError(name)
	}
	if status == StatusCritical || status == StatusFailed {
		r.lastCritical = now
	}
	metrics.SetComponentHealth(name, status.Severity())
	alert := r.evaluateLocked()
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("component reported error", "name", name, "status", status, "error", err)
	}
	r.alert(alert)

	if trigger {
		r.logger.Warn("error threshold reached, starting recovery", "name", name, "threshold", r.cfg.ErrorThreshold)
		r.bg.Go(func() { r.recover(r.bgCtx, name) })
	}
}

// ReportError records an error with a warning status.
func (r *Registry) ReportError(name string, err error, errContext string) {
	if err == nil {
		return
	}
	if errContext != "" {
		err = fmt.Errorf("%s: %w", errContext, err)
	}

	r.ReportHealth(name, StatusWarning, map[string]any{"error_context": errContext}, err)
}

// ForceRecovery runs the component's recovery now and reports the outcome.
func (r *Registry) ForceRecovery(ctx context.Context, name string) bool {
	r.logger.Info("forcing recovery", "name", name)
	return r.recover(ctx, name)
}

func (r *Registry) recover(ctx context.Context, name string) bool {
	r.mu.Lock()
	rec, ok := r.components[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("recovery requested for unknown component", "name", name)
		return false
	}
	if rec.recovering {
		r.mu.Unlock()
		r.logger.Debug("recovery already in progress", "name", name)
		return false
	}
	if rec.recovery == nil {
		rec.Status = StatusWarning
		metrics.SetComponentHealth(name, StatusWarning.Severity())
		r.mu.Unlock()
		r.logger.Warn("no recovery callback registered", "name", name)
		return false
	}

	rec.recovering = true
	rec.RecoveryAttempts++
	rec.Status = StatusRecovering
	rec.lastRecovery = r.now()
	attempt := rec.RecoveryAttempts
	fn := rec.recovery
	metrics.SetComponentHealth(name, StatusRecovering.Severity())
	r.mu.Unlock()

	r.logger.Info("attempting recovery", "name", name, "attempt", attempt)

	var recovered bool
	var pc panics.Catcher
	pc.Try(func() { recovered = fn(ctx) })
	if p := pc.Recovered(); p != nil {
		r.logger.Error("recovery callback panicked", "name", name, "error", p.AsError())
		recovered = false
	}

	r.mu.Lock()
	rec.recovering = false
	rec.lastRecovery = r.now()
	if recovered {
		rec.Status = StatusHealthy
		rec.ErrorCount = 0
		rec.LastError = ""
	} else {
		rec.Status = StatusFailed
		r.lastCritical = r.now()
	}
	metrics.SetComponentHealth(name, rec.Status.Severity())
	alert := r.evaluateLocked()
	r.mu.Unlock()

	metrics.RecordComponentRecovery(name, recovered)
	if recovered {
		r.logger.Info("recovery succeeded", "name", name, "attempt", attempt)
	} else {
		r.logger.Error("recovery failed", "name", name, "attempt", attempt)
	}
	r.alert(alert)

	return recovered
}

func (r *Registry) SystemHealth() SystemHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.systemHealthLocked()
}

func (r *Registry) systemHealthLocked() SystemHealth {
	components := make(map[string]Component, len(r.components))
	statuses := make([]Status, 0, len(r.components))
	for name, rec := range r.components {
		c := rec.Component
		c.Metrics = maps.Clone(rec.Metrics)
		components[name] = c
		statuses = append(statuses, rec.Status)
	}

	h := SystemHealth{
		Overall:          Overall(statuses),
		Components:       components,
		GlobalErrorCount: r.globalErrors,
		Uptime:           r.now().Sub(r.startedAt),
		CheckedAt:        r.now(),
	}
	if !r.lastCritical.IsZero() {
		last := r.lastCritical
		h.LastCriticalError = &last
	}

	return h
}

// Component returns a copy of one component record.
func (r *Registry) Component(name string) (Component, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.components[name]
	if !ok {
		return Component{}, false
	}
	c := rec.Component
	c.Metrics = maps.Clone(rec.Metrics)

	return c, true
}

// evaluateLocked recomputes the overall status and returns the health to alert
// on when it has just become critical.
func (r *Registry) evaluateLocked() *SystemHealth {
	h := r.systemHealthLocked()
	prev := r.overall
	r.overall = h.Overall
	metrics.SetSystemHealth(h.Overall.Severity())

	if h.Overall == StatusCritical && prev != StatusCritical {
		return &h
	}

	return nil
}

func (r *Registry) alert(h *SystemHealth) {
	if h == nil {
		return
	}

	r.logger.Error("system health is critical", "global_error_count", h.GlobalErrorCount)
	if r.notifier == nil {
		return
	}

	snapshot := *h
	r.bg.Go(func() {
		ctx, cancel := context.WithTimeout(r.bgCtx, 10*time.Second)
		defer cancel()

		if err := r.notifier.NotifyCritical(ctx, snapshot); err != nil {
			r.logger.Error("failed to send health alert", "error", err)
		}
	})
}
