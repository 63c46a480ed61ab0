package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/jarvis/internal/health"
	"github.com/nadmax/jarvis/internal/metrics"
	"github.com/nadmax/jarvis/internal/task"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const rateWindow = 30

type Deps struct {
	Reporter  HealthReporter
	Submitter Submitter
	Logger    *slog.Logger
}

// Manager owns one hardware resource. Only its capture loop reads from the
// open handle; everyone else goes through Latest, Fresh and Buffered.
type Manager[C fmt.Stringer, S any] struct {
	cfg       Config[C]
	probe     Probe[C, S]
	reporter  HealthReporter
	submitter Submitter
	logger    *slog.Logger

	mu               sync.Mutex
	state            State
	config           C
	configured       bool
	initAttempts     int
	recoveryAttempts int
	lastErrorTime    time.Time
	lastErr          error
	stats            Stats
	createdAt        time.Time
	consumer         func(context.Context, Sample[S])

	handle     Handle[S]
	loopCancel context.CancelFunc
	loops      *conc.WaitGroup
	resume     bool

	seq       uint64
	latest    *Sample[S]
	buffer    []Sample[S]
	rateCount int
	rateStart time.Time

	bg     conc.WaitGroup
	bgCtx  context.Context
	bgStop context.CancelFunc
	now    func() time.Time
}

func NewManager[C fmt.Stringer, S any](cfg Config[C], probe Probe[C, S], deps Deps) *Manager[C, S] {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bgCtx, bgStop := context.WithCancel(context.Background())
	m := &Manager[C, S]{
		cfg:       cfg,
		probe:     probe,
		reporter:  deps.Reporter,
		submitter: deps.Submitter,
		logger:    logger.With("component", "resource", "resource", cfg.Name),
		state:     StateStopped,
		createdAt: time.Now(),
		bgCtx:     bgCtx,
		bgStop:    bgStop,
		now:       time.Now,
	}
	metrics.SetResourceState(cfg.Name, string(StateStopped), allStates)

	return m
}

func (m *Manager[C, S]) Name() string {
	return m.cfg.Name
}

// SetConsumer installs the auxiliary loop body fed from the sample buffer. It
// takes effect on the next Start.
func (m *Manager[C, S]) SetConsumer(fn func(ctx context.Context, s Sample[S])) {
	m.mu.Lock()
	m.consumer = fn
	m.mu.Unlock()
}

// Initialize probes the candidate matrix and validates the winner. A failure
// leaves the resource in error and schedules a backoff retry until the
// attempt budget runs out.
func (m *Manager[C, S]) Initialize(ctx context.Context) bool {
	return m.initialize(ctx, true)
}

func (m *Manager[C, S]) initialize(ctx context.Context, scheduleRetry bool) bool {
	m.mu.Lock()
	switch m.state {
	case StateInitializing:
		m.mu.Unlock()
		m.logger.Warn("already initializing")
		return false
	case StateActive:
		m.mu.Unlock()
		m.logger.Warn("cannot initialize while capturing")
		return false
	case StateDisabled:
		m.mu.Unlock()
		return false
	case StateError:
		m.setLocked(StateRecovering)
	}
	m.setLocked(StateInitializing)
	m.initAttempts++
	attempt := m.initAttempts
	m.mu.Unlock()

	m.logger.Info("initializing", "attempt", attempt)
	m.report(nil)

	cfg, err := m.findConfig(ctx)
	if err == nil {
		err = m.validate(ctx, cfg)
	}
	if err != nil {
		m.initFailed(err, scheduleRetry)
		return false
	}

	m.mu.Lock()
	if m.state != StateInitializing {
		m.mu.Unlock()
		m.logger.Warn("initialization superseded", "state", m.State())
		return false
	}
	m.config = cfg
	m.configured = true
	m.initAttempts = 0
	m.lastErr = nil
	m.setLocked(StateReady)
	m.mu.Unlock()

	m.logger.Info("found working configuration", "config", cfg.String())
	m.report(nil)

	return true
}

func (m *Manager[C, S]) findConfig(ctx context.Context) (C, error) {
	var zero C
	for _, c := range m.cfg.Candidates {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		err := m.try(ctx, c, m.cfg.ProbeReads)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ErrUnavailable) {
			return zero, err
		}
		m.logger.Debug("configuration failed", "config", c.String(), "error", err)
	}

	return zero, fmt.Errorf("%w: no working configuration among %d candidates", ErrInitFailure, len(m.cfg.Candidates))
}

func (m *Manager[C, S]) validate(ctx context.Context, cfg C) error {
	err := m.try(ctx, cfg, m.cfg.ValidationReads)
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}

	return fmt.Errorf("%w: validation of %s: %v", ErrInitFailure, cfg, err)
}

func (m *Manager[C, S]) try(ctx context.Context, cfg C, reads int) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	h, err := m.probe.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.closeHandle(h)

	for range reads {
		if _, err := h.Read(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager[C, S]) initFailed(err error, scheduleRetry bool) {
	m.mu.Lock()
	if m.state != StateInitializing {
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	if errors.Is(err, ErrUnavailable) {
		m.setLocked(StateDisabled)
		m.mu.Unlock()
		m.logger.Warn("resource unavailable, disabling", "error", err)
		m.report(err)
		return
	}
	m.setLocked(StateError)
	attempts := m.initAttempts
	m.mu.Unlock()

	m.logger.Error("initialization failed", "attempt", attempts, "error", err)
	m.report(err)

	if !scheduleRetry {
		return
	}
	if attempts >= m.cfg.MaxInitAttempts {
		m.logger.Error("max initialization attempts reached", "attempts", attempts)
		return
	}
	m.scheduleRetry(attempts)
}

func (m *Manager[C, S]) scheduleRetry(attempts int) {
	if m.submitter == nil {
		return
	}

	delay := Backoff(attempts, m.cfg.BackoffCap, m.cfg.BackoffUnit)
	id, err := m.submitter.Submit(task.Spec{
		Kind:       m.cfg.Name + "-init",
		Priority:   task.PriorityHigh,
		RetryDelay: time.Second,
		Timeout:    delay + time.Minute,
		Payload: func(ctx context.Context) (any, error) {
			if err := sleep(ctx, delay); err != nil {
				return false, err
			}
			if m.State() != StateError {
				return false, nil
			}
			return m.initialize(ctx, true), nil
		},
	})
	if err != nil {
		m.logger.Warn("failed to schedule initialization retry", "error", err)
		return
	}

	m.logger.Info("retrying initialization later", "delay", delay, "task_id", id)
}

// Start begins capturing. From stopped it initializes first; from error it
// attempts a recovery first.
func (m *Manager[C, S]) Start(ctx context.Context) bool {
	switch st := m.State(); st {
	case StateActive:
		return true
	case StateDisabled, StateInitializing, StateRecovering:
		m.logger.Warn("cannot start", "state", st)
		return false
	case StateStopped:
		if !m.initialize(ctx, true) {
			return false
		}
	case StateError:
		m.logger.Info("attempting recovery from error state")
		if !m.recover(ctx) {
			return false
		}
	}

	return m.activate(ctx)
}

func (m *Manager[C, S]) activate(ctx context.Context) bool {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return false
	}
	cfg := m.config
	m.mu.Unlock()

	h, err := m.probe.Open(ctx, cfg)
	if err != nil {
		m.mu.Lock()
		if m.state != StateReady {
			m.mu.Unlock()
			return false
		}
		m.lastErr = err
		if errors.Is(err, ErrUnavailable) {
			m.setLocked(StateDisabled)
		} else {
			m.setLocked(StateError)
		}
		m.mu.Unlock()

		m.logger.Error("failed to open capture stream", "config", cfg.String(), "error", err)
		m.report(err)
		return false
	}

	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		m.closeHandle(h)
		return false
	}
	loopCtx, cancel := context.WithCancel(m.bgCtx)
	loops := &conc.WaitGroup{}
	var queue chan Sample[S]
	consumer := m.consumer
	if consumer != nil {
		queue = make(chan Sample[S], m.cfg.BufferSize)
	}
	m.handle = h
	m.loopCancel = cancel
	m.loops = loops
	m.resume = false
	m.rateCount = 0
	m.rateStart = m.now()
	m.setLocked(StateActive)
	m.mu.Unlock()

	loops.Go(func() { m.capture(loopCtx, h, cfg, queue) })
	if consumer != nil {
		loops.Go(func() { m.process(loopCtx, queue, consumer) })
	}

	m.logger.Info("capture started", "config", cfg.String())
	m.report(nil)

	return true
}

// Stop ends capture and releases the handle. A disabled resource stays
// disabled.
func (m *Manager[C, S]) Stop() {
	m.mu.Lock()
	cancel, loops, h := m.loopCancel, m.loops, m.handle
	m.loopCancel, m.loops, m.handle = nil, nil, nil
	m.resume = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if loops != nil {
		done := make(chan struct{})
		go func() {
			loops.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(m.cfg.StopTimeout):
			m.logger.Warn("capture loops did not stop in time", "timeout", m.cfg.StopTimeout)
		}
	}
	if h != nil {
		m.closeHandle(h)
	}

	m.mu.Lock()
	if m.state == StateStopped || m.state == StateDisabled {
		m.mu.Unlock()
		return
	}
	m.setLocked(StateStopped)
	m.mu.Unlock()

	m.logger.Info("stopped")
	m.report(nil)
}

// Close stops the resource and waits for background recoveries.
func (m *Manager[C, S]) Close() {
	m.Stop()
	m.bgStop()
	m.bg.Wait()
}

func (m *Manager[C, S]) capture(ctx context.Context, h Handle[S], cfg C, queue chan Sample[S]) {
	var pace time.Duration
	if m.cfg.Pace != nil {
		pace = m.cfg.Pace(cfg)
	}

	var last time.Time
	for {
		if pace > 0 && !last.IsZero() {
			if err := sleep(ctx, pace-time.Since(last)); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		v, err := h.Read(ctx)
		if ctx.Err() != nil {
			return
		}
		last = time.Now()

		if err != nil {
			if errors.Is(err, ErrTransientRead) {
				m.mu.Lock()
				m.stats.ReadErrors++
				m.mu.Unlock()
				metrics.RecordResourceReadError(m.cfg.Name, true)
				m.logger.Debug("transient read failure", "error", err)

				if err := sleep(ctx, m.cfg.TransientPause); err != nil {
					return
				}
				continue
			}

			m.captureFailed(err)
			return
		}

		m.publish(v, queue)
	}
}

func (m *Manager[C, S]) publish(v S, queue chan Sample[S]) {
	m.mu.Lock()
	m.seq++
	s := Sample[S]{Seq: m.seq, At: m.now(), Value: v}
	m.latest = &s
	m.buffer = append(m.buffer, s)
	if over := len(m.buffer) - m.cfg.BufferSize; over > 0 {
		m.buffer = append(m.buffer[:0], m.buffer[over:]...)
	}
	m.stats.Samples++
	m.rateCount++
	if m.rateCount >= rateWindow {
		if elapsed := s.At.Sub(m.rateStart); elapsed > 0 {
			m.stats.Rate = float64(m.rateCount) / elapsed.Seconds()
		}
		m.rateCount = 0
		m.rateStart = s.At
	}
	m.mu.Unlock()

	metrics.RecordResourceSample(m.cfg.Name)

	if queue == nil {
		return
	}

	select {
	case queue <- s:
	default:
		// full: drop the oldest sample to make room
		select {
		case <-queue:
		default:
		}
		select {
		case queue <- s:
		default:
		}

		m.mu.Lock()
		m.stats.Dropped++
		m.mu.Unlock()
		metrics.RecordResourceDropped(m.cfg.Name)
	}
}

func (m *Manager[C, S]) process(ctx context.Context, queue <-chan Sample[S], fn func(context.Context, Sample[S])) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-queue:
			var pc panics.Catcher
			pc.Try(func() { fn(ctx, s) })
			if r := pc.Recovered(); r != nil {
				m.logger.Error("sample consumer panicked", "error", r.AsError())
			}
		}
	}
}

// captureFailed runs on the capture goroutine, so the recovery it starts must
// not wait for that goroutine.
func (m *Manager[C, S]) captureFailed(err error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	h, cancel := m.handle, m.loopCancel
	m.handle, m.loopCancel = nil, nil
	m.lastErr = err
	m.resume = true
	m.setLocked(StateError)
	m.mu.Unlock()

	metrics.RecordResourceReadError(m.cfg.Name, false)
	m.logger.Error("capture failed", "error", err)

	if cancel != nil {
		cancel()
	}
	if h != nil {
		m.closeHandle(h)
	}
	m.report(err)

	m.bg.Go(func() { m.AttemptRecovery(m.bgCtx) })
}

// AttemptRecovery releases the resource and re-initializes it, subject to the
// cooldown and the recovery budget. Capture resumes if it was interrupted by
// the failure. It matches health.RecoveryFunc.
func (m *Manager[C, S]) AttemptRecovery(ctx context.Context) bool {
	if !m.recover(ctx) {
		return false
	}

	m.mu.Lock()
	resume := m.resume
	m.resume = false
	m.mu.Unlock()

	if resume {
		return m.activate(ctx)
	}

	return true
}

func (m *Manager[C, S]) recover(ctx context.Context) bool {
	m.mu.Lock()
	switch m.state {
	case StateReady, StateActive, StateStopped:
		m.mu.Unlock()
		return true
	case StateDisabled:
		m.mu.Unlock()
		m.logger.Debug("resource disabled, not recovering")
		return false
	case StateInitializing, StateRecovering:
		m.mu.Unlock()
		m.logger.Debug("recovery already in progress")
		return false
	}

	if m.now().Sub(m.lastErrorTime) < m.cfg.RecoveryCooldown {
		m.mu.Unlock()
		m.logger.Debug("still in error cooldown period")
		return false
	}
	if m.recoveryAttempts >= m.cfg.MaxRecoveryAttempts {
		m.lastErr = fmt.Errorf("%w after %d attempts", ErrRecoveryExhausted, m.recoveryAttempts)
		m.mu.Unlock()
		m.logger.Error("max recovery attempts reached")
		return false
	}

	m.recoveryAttempts++
	m.stats.Recoveries++
	attempt := m.recoveryAttempts
	h, cancel := m.handle, m.loopCancel
	m.handle, m.loopCancel = nil, nil
	m.setLocked(StateRecovering)
	m.mu.Unlock()

	m.logger.Info("attempting recovery", "attempt", attempt)
	if cancel != nil {
		cancel()
	}
	if h != nil {
		m.closeHandle(h)
	}
	m.report(nil)

	if err := sleep(ctx, m.cfg.RecoveryPause); err != nil {
		m.recoveryFailed(err)
		return false
	}

	if !m.initialize(ctx, false) {
		m.recoveryFailed(m.LastError())
		return false
	}

	m.mu.Lock()
	m.recoveryAttempts = 0
	m.mu.Unlock()

	metrics.RecordResourceRecovery(m.cfg.Name, true)
	m.logger.Info("recovery succeeded", "attempt", attempt)

	return true
}

func (m *Manager[C, S]) recoveryFailed(err error) {
	m.mu.Lock()
	if m.state == StateRecovering {
		m.lastErr = err
		m.setLocked(StateError)
	}
	if m.state == StateError {
		m.lastErrorTime = m.now()
	}
	m.mu.Unlock()

	metrics.RecordResourceRecovery(m.cfg.Name, false)
	m.logger.Error("recovery failed", "error", err)
	m.report(nil)
}

// Reset clears the attempt counters and the cooldown, and re-enables a
// disabled resource. It is the manual retry path after recovery gave up.
func (m *Manager[C, S]) Reset() {
	m.mu.Lock()
	m.initAttempts = 0
	m.recoveryAttempts = 0
	m.lastErrorTime = time.Time{}
	m.lastErr = nil
	if m.state == StateDisabled {
		m.setLocked(StateStopped)
	}
	m.mu.Unlock()

	m.logger.Info("counters reset")
	m.report(nil)
}

// RecordOutcome counts the result of work done on this resource's samples.
func (m *Manager[C, S]) RecordOutcome(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.stats.Successes++
	} else {
		m.stats.Failures++
	}
}

func (m *Manager[C, S]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Available reports whether the resource can deliver samples now or after Start.
func (m *Manager[C, S]) Available() bool {
	s := m.State()
	return s == StateReady || s == StateActive
}

func (m *Manager[C, S]) Config() (C, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.config, m.configured
}

func (m *Manager[C, S]) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastErr
}

func (m *Manager[C, S]) Status() Status[C] {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status[C]{
		Name:             m.cfg.Name,
		State:            m.state,
		Stats:            m.stats,
		Uptime:           m.now().Sub(m.createdAt),
		Available:        m.state == StateReady || m.state == StateActive,
		InitAttempts:     m.initAttempts,
		RecoveryAttempts: m.recoveryAttempts,
	}
	if m.configured {
		c := m.config
		st.Config = &c
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}

	return st
}

func (m *Manager[C, S]) Latest() (Sample[S], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latest == nil {
		return Sample[S]{}, ErrNoSample
	}

	return *m.latest, nil
}

// Fresh returns the latest sample if it is no older than maxAge.
func (m *Manager[C, S]) Fresh(maxAge time.Duration) (Sample[S], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latest == nil || m.now().Sub(m.latest.At) > maxAge {
		return Sample[S]{}, ErrNoSample
	}

	return *m.latest, nil
}

// Buffered returns the retained samples, oldest first.
func (m *Manager[C, S]) Buffered() []Sample[S] {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Sample[S], len(m.buffer))
	copy(out, m.buffer)

	return out
}

func (m *Manager[C, S]) setLocked(to State) {
	if m.state == to {
		return
	}
	if !CanTransition(m.state, to) {
		m.logger.Warn("unexpected state transition", "from", m.state, "to", to)
	}

	m.logger.Debug("state changed", "from", m.state, "to", to)
	m.state = to
	metrics.SetResourceState(m.cfg.Name, string(to), allStates)
}

func (m *Manager[C, S]) healthLocked() health.Status {
	switch m.state {
	case StateError:
		if m.recoveryAttempts >= m.cfg.MaxRecoveryAttempts {
			return health.StatusFailed
		}
		return health.StatusCritical
	case StateRecovering:
		return health.StatusRecovering
	case StateDisabled:
		return health.StatusWarning
	default:
		return health.StatusHealthy
	}
}

func (m *Manager[C, S]) report(err error) {
	if m.reporter == nil {
		return
	}

	m.mu.Lock()
	status := m.healthLocked()
	fields := map[string]any{
		"state":             string(m.state),
		"init_attempts":     m.initAttempts,
		"recovery_attempts": m.recoveryAttempts,
		"samples":           m.stats.Samples,
	}
	if m.configured {
		fields["config"] = m.config.String()
	}
	m.mu.Unlock()

	m.reporter.ReportHealth(m.cfg.Name, status, fields, err)
}

func (m *Manager[C, S]) closeHandle(h Handle[S]) {
	if err := h.Close(); err != nil {
		m.logger.Warn("failed to close handle", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
