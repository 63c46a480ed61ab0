package scheduler

import (
	"context"
	"time"

	"github.com/nadmax/jarvis/internal/task"
)

const persistTimeout = 5 * time.Second

// TaskRepository is the subset of the history store the scheduler writes to.
type TaskRepository interface {
	SaveTask(ctx context.Context, t task.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, attempt int) error
	CompleteTask(ctx context.Context, taskID string, durationMs int) error
	FailTask(ctx context.Context, taskID string, reason string, durationMs int) error
	CancelTask(ctx context.Context, taskID string) error
	IncrementRetryCount(ctx context.Context, taskID string) error
	LogExecution(ctx context.Context, taskID string, attempt int, status string, durationMs int, msgErr string) error
}

type Mirror interface {
	SaveTask(ctx context.Context, t task.Task) error
}

type eventKind int

const (
	eventSubmitted eventKind = iota
	eventStarted
	eventRetrying
	eventCompleted
	eventFailed
	eventCancelled
)

type event struct {
	kind     eventKind
	task     task.Task
	duration time.Duration
}

// emitLocked hands an event to the persistence goroutine without blocking.
// Events are dropped when the buffer is full.
func (s *Scheduler) emitLocked(ev event) {
	if s.events == nil || s.eventsClosed {
		return
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping task event, persistence is behind", "task_id", ev.task.ID)
	}
}

func (s *Scheduler) persist() {
	defer close(s.sinkDone)

	for ev := range s.events {
		s.record(ev)
	}
}

func (s *Scheduler) record(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	t := ev.task
	ms := int(ev.duration.Milliseconds())

	if s.repo != nil {
		var err error
		switch ev.kind {
		case eventSubmitted:
			err = s.repo.SaveTask(ctx, t)
		case eventStarted:
			err = s.repo.UpdateTaskStatus(ctx, t.ID, task.StatusRunning, t.Attempts)
		case eventRetrying:
			err = s.repo.LogExecution(ctx, t.ID, t.Attempts, string(task.StatusFailed), ms, t.Error)
			if err == nil {
				err = s.repo.IncrementRetryCount(ctx, t.ID)
			}
		case eventCompleted:
			err = s.repo.LogExecution(ctx, t.ID, t.Attempts, string(task.StatusCompleted), ms, "")
			if err == nil {
				err = s.repo.CompleteTask(ctx, t.ID, ms)
			}
		case eventFailed:
			err = s.repo.LogExecution(ctx, t.ID, t.Attempts, string(task.StatusFailed), ms, t.Error)
			if err == nil {
				err = s.repo.FailTask(ctx, t.ID, t.Error, ms)
			}
		case eventCancelled:
			err = s.repo.CancelTask(ctx, t.ID)
		}
		if err != nil {
			s.logger.Error("failed to persist task event", "task_id", t.ID, "status", t.Status, "error", err)
		}
	}

	if s.mirror != nil && t.Status.Terminal() {
		if err := s.mirror.SaveTask(ctx, t); err != nil {
			s.logger.Error("failed to mirror task", "task_id", t.ID, "error", err)
		}
	}
}
