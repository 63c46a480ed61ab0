// Package scheduler runs submitted tasks on a bounded worker pool in priority
// order, retrying failures and failing tasks that exceed their timeout.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/jarvis/internal/metrics"
	"github.com/nadmax/jarvis/internal/queue"
	"github.com/nadmax/jarvis/internal/task"
	"github.com/nadmax/jarvis/internal/worker"
	"github.com/sourcegraph/conc"
)

type Config struct {
	Workers         int
	PollInterval    time.Duration
	MonitorInterval time.Duration
	HistorySize     int
	EventBuffer     int
}

func DefaultConfig() Config {
	return Config{
		Workers:         worker.DefaultSize,
		PollInterval:    100 * time.Millisecond,
		MonitorInterval: 5 * time.Second,
		HistorySize:     100,
		EventBuffer:     256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}

	return c
}

type Stats struct {
	Total            int           `json:"total_tasks"`
	Completed        int           `json:"completed_tasks"`
	Failed           int           `json:"failed_tasks"`
	Retried          int           `json:"retried_tasks"`
	Cancelled        int           `json:"cancelled_tasks"`
	TimedOut         int           `json:"timed_out_tasks"`
	QueueSize        int           `json:"queue_size"`
	Running          int           `json:"running_tasks"`
	Retrying         int           `json:"retrying_tasks"`
	Workers          int           `json:"workers"`
	ActiveWorkers    int           `json:"active_workers"`
	History          int           `json:"history_size"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	Closed           bool          `json:"closed"`
}

type Option func(*Scheduler)

// WithRepository persists task transitions and attempts.
func WithRepository(repo TaskRepository) Option {
	return func(s *Scheduler) { s.repo = repo }
}

// WithMirror stores a snapshot of every task once it becomes terminal.
func WithMirror(m Mirror) Option {
	return func(s *Scheduler) { s.mirror = m }
}

type entry struct {
	task            *task.Task
	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
	final           task.Task
}

type attempt struct {
	entry  *entry
	ctx    context.Context
	cancel context.CancelFunc
	number int
}

type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	queue  *queue.PriorityQueue
	pool   *worker.Pool
	repo   TaskRepository
	mirror Mirror

	mu      sync.Mutex
	active  map[string]*entry
	history *history
	seq     uint64
	started bool
	closed  bool
	counts  Stats
	execN   int

	execCtx    context.Context
	execCancel context.CancelFunc
	loopCancel context.CancelFunc
	loops      *conc.WaitGroup
	retryStop  chan struct{}
	retries    sync.WaitGroup

	events       chan event
	eventsClosed bool
	sinkDone     chan struct{}
}

func New(cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	execCtx, execCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		logger:     logger.With("component", "scheduler"),
		queue:      queue.NewPriorityQueue(),
		pool:       worker.NewPool(cfg.Workers, logger),
		active:     make(map[string]*entry),
		history:    newHistory(cfg.HistorySize),
		execCtx:    execCtx,
		execCancel: execCancel,
		retryStop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.repo != nil || s.mirror != nil {
		s.events = make(chan event, cfg.EventBuffer)
		s.sinkDone = make(chan struct{})
		go s.persist()
	}

	return s
}

// Start launches the dispatcher and the timeout monitor. Tasks submitted
// before Start wait in the queue.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return
	}
	s.started = true
	s.startLoopsLocked()

	s.logger.Info("scheduler started", "workers", s.cfg.Workers)
}

func (s *Scheduler) startLoopsLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loops = &conc.WaitGroup{}
	s.loops.Go(func() { s.dispatch(ctx) })
	s.loops.Go(func() { s.monitor(ctx) })
}

func (s *Scheduler) stopLoops() {
	s.mu.Lock()
	cancel, loops := s.loopCancel, s.loops
	s.loopCancel, s.loops = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		loops.Wait()
	}
}

// Restart replaces the dispatcher and monitor loops. Queued and running tasks
// are kept. It reports false once the scheduler is closed.
func (s *Scheduler) Restart() bool {
	s.stopLoops()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.started = true
	s.startLoopsLocked()
	s.logger.Warn("scheduler loops restarted")

	return true
}

// Submit queues a task and returns its id. It never blocks on execution.
func (s *Scheduler) Submit(spec task.Spec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", task.ErrQueueClosed
	}

	t, err := task.NewTask(spec, s.seq+1)
	if err != nil {
		return "", err
	}
	s.seq++

	s.active[t.ID] = &entry{task: t, done: make(chan struct{})}
	s.counts.Total++
	s.queue.Push(t)
	s.emitLocked(event{kind: eventSubmitted, task: t.Snapshot()})
	metrics.RecordTaskSubmitted(t.Kind, t.Priority)

	s.logger.Debug("task submitted", "task_id", t.ID, "kind", t.Kind, "priority", t.Priority.String())

	return t.ID, nil
}

func (s *Scheduler) Status(id string) (task.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.active[id]; ok {
		return e.task.Status, nil
	}
	if t, ok := s.history.get(id); ok {
		return t.Status, nil
	}

	return "", fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
}

// Result returns the payload result of a completed task.
func (s *Scheduler) Result(id string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[id]; ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotCompleted, id)
	}
	t, ok := s.history.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if t.Status != task.StatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", task.ErrTaskNotCompleted, id, t.Status)
	}

	return t.Result, nil
}

// Snapshot returns a copy of the task, live or retained in history.
func (s *Scheduler) Snapshot(id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.active[id]; ok {
		return e.task.Snapshot(), nil
	}
	if t, ok := s.history.get(id); ok {
		return t.Snapshot(), nil
	}

	return task.Task{}, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
}

// Recent returns up to n terminal tasks, newest first.
func (s *Scheduler) Recent(n int) []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.history.recent(n)
}

// Wait blocks until the task is terminal or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, id string) (task.Task, error) {
	s.mu.Lock()
	e, ok := s.active[id]
	s.mu.Unlock()

	if !ok {
		return s.Snapshot(id)
	}

	select {
	case <-e.done:
		return e.final, nil
	case <-ctx.Done():
		return task.Task{}, ctx.Err()
	}
}

// Cancel removes a task that has not started running. For a running task the
// payload context is cancelled and false is returned; the task ends cancelled
// only if the payload gives up with context.Canceled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()

	e, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	switch e.task.Status {
	case task.StatusPending, task.StatusRetrying:
		s.queue.Remove(id)
		cb := s.cancelLocked(e)
		s.mu.Unlock()
		s.invoke(id, cb)
		return true
	case task.StatusRunning:
		e.cancelRequested = true
		if e.cancel != nil {
			e.cancel()
		}
	}
	s.mu.Unlock()

	return false
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.counts
	for _, e := range s.active {
		switch e.task.Status {
		case task.StatusRunning:
			st.Running++
		case task.StatusRetrying:
			st.Retrying++
		}
	}
	st.QueueSize = s.queue.Len()
	st.Workers = s.pool.Size()
	st.ActiveWorkers = s.pool.Active()
	st.History = s.history.len()
	st.Closed = s.closed

	return st
}

// Stop closes submissions, cancels pending and retrying tasks and waits for
// running ones until ctx is done. Payloads still running afterwards have their
// context cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pool.Close()

	var cbs []func()
	for _, t := range s.queue.Drain() {
		if e, ok := s.active[t.ID]; ok && t.Status == task.StatusPending {
			cbs = append(cbs, s.cancelLocked(e))
		}
	}
	close(s.retryStop)
	s.mu.Unlock()

	for _, cb := range cbs {
		s.invoke("", cb)
	}

	s.stopLoops()
	s.retries.Wait()

	drained := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for running tasks: %w", ctx.Err())
		s.logger.Warn("shutdown deadline reached with tasks still running", "active_workers", s.pool.Active())
	}
	s.execCancel()

	s.mu.Lock()
	if s.events != nil && !s.eventsClosed {
		close(s.events)
		s.eventsClosed = true
	}
	s.mu.Unlock()

	if s.sinkDone != nil {
		select {
		case <-s.sinkDone:
		case <-ctx.Done():
		}
	}

	s.logger.Info("scheduler stopped")

	return err
}

func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		if err := s.pool.Acquire(ctx); err != nil {
			return
		}

		a := s.next(ctx)
		if a == nil {
			s.pool.Release()
			return
		}

		s.pool.Go(func() { s.execute(a) })
	}
}

func (s *Scheduler) next(ctx context.Context) *attempt {
	for {
		if a := s.claim(); a != nil {
			return a
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.queue.Ready():
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// claim pops the next runnable task and marks it running.
func (s *Scheduler) claim() *attempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	for {
		t := s.queue.Pop()
		if t == nil {
			return nil
		}
		e, ok := s.active[t.ID]
		if !ok || t.Status != task.StatusPending {
			continue
		}

		now := time.Now()
		t.Status = task.StatusRunning
		t.Attempts++
		t.StartedAt = &now
		t.CompletedAt = nil

		ctx, cancel := context.WithTimeout(s.execCtx, t.Timeout)
		e.cancel = cancel
		e.cancelRequested = false

		if t.Attempts == 1 {
			metrics.RecordTaskWaitTime(t.Kind, t.Priority, now.Sub(t.CreatedAt))
		}
		s.emitLocked(event{kind: eventStarted, task: t.Snapshot()})

		return &attempt{entry: e, ctx: ctx, cancel: cancel, number: t.Attempts}
	}
}

func (s *Scheduler) execute(a *attempt) {
	payload := a.entry.task.Payload

	var result any
	err := worker.Run(func() error {
		var err error
		result, err = payload(a.ctx)
		return err
	})

	s.finish(a, result, err)
}

func (s *Scheduler) finish(a *attempt, result any, err error) {
	ctxErr := a.ctx.Err()
	a.cancel()

	s.mu.Lock()
	e := a.entry
	t := e.task
	if cur, ok := s.active[t.ID]; !ok || cur != e || t.Status != task.StatusRunning || t.Attempts != a.number {
		s.mu.Unlock()
		s.logger.Debug("discarding late task result", "task_id", t.ID, "attempt", a.number)
		return
	}

	now := time.Now()
	t.CompletedAt = &now
	duration := now.Sub(*t.StartedAt)

	var cb func()
	switch {
	case err == nil:
		t.Status = task.StatusCompleted
		t.Result = result
		t.Err = nil
		t.Error = ""
		s.counts.Completed++
		s.execN++
		s.counts.AvgExecutionTime += (duration - s.counts.AvgExecutionTime) / time.Duration(s.execN)
		s.retireLocked(e)
		s.emitLocked(event{kind: eventCompleted, task: t.Snapshot(), duration: duration})
		metrics.RecordTaskCompleted(t.Kind, duration)
		s.logger.Debug("task completed", "task_id", t.ID, "kind", t.Kind, "duration", duration)

		if onSuccess := t.OnSuccess; onSuccess != nil {
			cb = func() { onSuccess(result) }
		}
	case errors.Is(err, context.Canceled) && (e.cancelRequested || s.closed):
		cb = s.cancelLocked(e)
	case errors.Is(ctxErr, context.DeadlineExceeded):
		cb = s.timeoutLocked(e, now)
	case t.CanRetry() && !s.closed:
		t.Status = task.StatusRetrying
		t.Err = fmt.Errorf("%w: %w", task.ErrTaskExecution, err)
		t.Error = t.Err.Error()
		s.counts.Retried++
		s.emitLocked(event{kind: eventRetrying, task: t.Snapshot(), duration: duration})
		metrics.RecordTaskRetried(t.Kind, duration)
		s.logger.Warn("task failed, will retry",
			"task_id", t.ID, "kind", t.Kind, "attempt", t.Attempts, "max_retries", t.MaxRetries, "error", err)
		s.scheduleRetryLocked(e, t.RetryDelay)
	default:
		t.Status = task.StatusFailed
		t.Err = fmt.Errorf("%w: %w", task.ErrTaskExecution, err)
		t.Error = t.Err.Error()
		s.counts.Failed++
		s.retireLocked(e)
		s.emitLocked(event{kind: eventFailed, task: t.Snapshot(), duration: duration})
		metrics.RecordTaskFailed(t.Kind, "error", duration)
		s.logger.Error("task failed permanently", "task_id", t.ID, "kind", t.Kind, "attempts", t.Attempts, "error", err)
		cb = onError(t.OnError, t.Err)
	}
	s.mu.Unlock()

	s.invoke(t.ID, cb)
}

func (s *Scheduler) scheduleRetryLocked(e *entry, delay time.Duration) {
	s.retries.Add(1)
	go func() {
		defer s.retries.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			s.requeue(e)
		case <-s.retryStop:
			s.abandon(e)
		}
	}()
}

// requeue puts a retrying task back in the queue. A timer that fires while
// Stop is closing the scheduler retires the task as cancelled instead.
func (s *Scheduler) requeue(e *entry) {
	s.mu.Lock()

	t := e.task
	if s.active[t.ID] != e || t.Status != task.StatusRetrying {
		s.mu.Unlock()
		return
	}
	if s.closed {
		cb := s.cancelLocked(e)
		s.mu.Unlock()
		s.invoke(t.ID, cb)
		return
	}
	t.Status = task.StatusPending
	s.queue.Push(t)
	s.mu.Unlock()
}

func (s *Scheduler) abandon(e *entry) {
	s.mu.Lock()
	if s.active[e.task.ID] != e || e.task.Status != task.StatusRetrying {
		s.mu.Unlock()
		return
	}
	cb := s.cancelLocked(e)
	s.mu.Unlock()

	s.invoke(e.task.ID, cb)
}

func (s *Scheduler) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
			metrics.UpdateQueueDepth(s.queue.Len())
			metrics.UpdateActiveWorkers(s.pool.Active())
		}
	}
}

// sweep fails running tasks that have exceeded their timeout.
func (s *Scheduler) sweep(now time.Time) int {
	s.mu.Lock()
	var cbs []func()
	for _, e := range s.active {
		t := e.task
		if t.Status != task.StatusRunning || t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) <= t.Timeout {
			continue
		}
		if e.cancel != nil {
			e.cancel()
		}
		cbs = append(cbs, s.timeoutLocked(e, now))
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		s.invoke("", cb)
	}

	return len(cbs)
}

func (s *Scheduler) timeoutLocked(e *entry, now time.Time) func() {
	t := e.task
	t.Status = task.StatusFailed
	t.CompletedAt = &now
	t.Err = fmt.Errorf("%w after %s", task.ErrTaskTimeout, t.Timeout)
	t.Error = t.Err.Error()
	duration := now.Sub(*t.StartedAt)

	s.counts.Failed++
	s.counts.TimedOut++
	s.retireLocked(e)
	s.emitLocked(event{kind: eventFailed, task: t.Snapshot(), duration: duration})
	metrics.RecordTaskFailed(t.Kind, "timeout", duration)
	s.logger.Error("task timed out", "task_id", t.ID, "kind", t.Kind, "timeout", t.Timeout)

	return onError(t.OnError, t.Err)
}

func (s *Scheduler) cancelLocked(e *entry) func() {
	t := e.task
	now := time.Now()
	t.Status = task.StatusCancelled
	t.CompletedAt = &now
	t.Err = task.ErrTaskCancelled
	t.Error = t.Err.Error()

	s.counts.Cancelled++
	s.retireLocked(e)
	s.emitLocked(event{kind: eventCancelled, task: t.Snapshot()})
	metrics.RecordTaskCancelled(t.Kind)
	s.logger.Info("task cancelled", "task_id", t.ID, "kind", t.Kind)

	return onError(t.OnError, t.Err)
}

func (s *Scheduler) retireLocked(e *entry) {
	delete(s.active, e.task.ID)
	s.history.add(e.task)
	e.final = e.task.Snapshot()
	close(e.done)
}

func (s *Scheduler) invoke(id string, cb func()) {
	if cb == nil {
		return
	}

	err := worker.Run(func() error {
		cb()
		return nil
	})
	if err != nil {
		s.logger.Error("task callback failed", "task_id", id, "error", err)
	}
}

func onError(fn func(error), err error) func() {
	if fn == nil {
		return nil
	}

	return func() { fn(err) }
}
