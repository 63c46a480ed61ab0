package repository

import (
	"context"

	"github.com/nadmax/jarvis/internal/repository/models"
	"github.com/nadmax/jarvis/internal/task"
)

type TaskRepository interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveTask(ctx context.Context, t task.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, attempt int) error
	CompleteTask(ctx context.Context, taskID string, durationMs int) error
	FailTask(ctx context.Context, taskID string, reason string, durationMs int) error
	CancelTask(ctx context.Context, taskID string) error
	IncrementRetryCount(ctx context.Context, taskID string) error
	LogExecution(ctx context.Context, taskID string, attempt int, status string, durationMs int, msgErr string) error
	GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error)
	GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error)
	GetTasksByKind(ctx context.Context, kind string, limit int) ([]models.RecentTask, error)
	GetTaskHistory(ctx context.Context, taskID string) ([]models.Execution, error)
	Close() error
}
