package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/nadmax/jarvis/internal/repository/models"
	"github.com/nadmax/jarvis/internal/task"
)

// MockTaskRepository is an in-memory TaskRepository that records calls.
type MockTaskRepository struct {
	mu                    sync.Mutex
	SaveTaskCalls         []task.Task
	UpdateTaskStatusCalls []UpdateTaskStatusCall
	CompleteTaskCalls     []CompleteTaskCall
	FailTaskCalls         []FailTaskCall
	CancelTaskCalls       []string
	IncrementRetryCalls   []string
	ExecutionLog          []LogExecutionCall
	Tasks                 map[string]*task.Task
	TaskStats             []models.TaskStats
	RecentTasks           []models.RecentTask
	SaveTaskError         error
	FailTaskError         error
	LogExecutionError     error
	GetTaskStatsError     error
	GetRecentTasksError   error
}

type UpdateTaskStatusCall struct {
	TaskID  string
	Status  task.Status
	Attempt int
}

type CompleteTaskCall struct {
	TaskID     string
	DurationMs int
}

type FailTaskCall struct {
	TaskID     string
	Reason     string
	DurationMs int
}

type LogExecutionCall struct {
	TaskID     string
	Attempt    int
	Status     string
	DurationMs int
	ErrorMsg   string
}

func NewMockTaskRepository() *MockTaskRepository {
	return &MockTaskRepository{
		Tasks: make(map[string]*task.Task),
	}
}

func (m *MockTaskRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.Tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}

	taskCopy := *t
	return &taskCopy, nil
}

func (m *MockTaskRepository) SaveTask(ctx context.Context, t task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = append(m.SaveTaskCalls, t)
	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}

	m.Tasks[t.ID] = &t
	return nil
}

func (m *MockTaskRepository) UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateTaskStatusCalls = append(m.UpdateTaskStatusCalls, UpdateTaskStatusCall{
		TaskID:  taskID,
		Status:  status,
		Attempt: attempt,
	})

	if t, exists := m.Tasks[taskID]; exists {
		t.Status = status
		t.Attempts = attempt
	}

	return nil
}

func (m *MockTaskRepository) CompleteTask(ctx context.Context, taskID string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteTaskCalls = append(m.CompleteTaskCalls, CompleteTaskCall{TaskID: taskID, DurationMs: durationMs})
	if t, exists := m.Tasks[taskID]; exists {
		t.Status = task.StatusCompleted
	}

	return nil
}

func (m *MockTaskRepository) FailTask(ctx context.Context, taskID string, reason string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailTaskCalls = append(m.FailTaskCalls, FailTaskCall{
		TaskID:     taskID,
		Reason:     reason,
		DurationMs: durationMs,
	})
	if m.FailTaskError != nil {
		return m.FailTaskError
	}

	if t, exists := m.Tasks[taskID]; exists {
		t.Status = task.StatusFailed
		t.Error = reason
	}

	return nil
}

func (m *MockTaskRepository) CancelTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelTaskCalls = append(m.CancelTaskCalls, taskID)
	if t, exists := m.Tasks[taskID]; exists {
		t.Status = task.StatusCancelled
	}

	return nil
}

func (m *MockTaskRepository) IncrementRetryCount(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.IncrementRetryCalls = append(m.IncrementRetryCalls, taskID)
	if t, exists := m.Tasks[taskID]; exists {
		t.Status = task.StatusRetrying
	}

	return nil
}

func (m *MockTaskRepository) LogExecution(ctx context.Context, taskID string, attempt int, status string, durationMs int, msgErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ExecutionLog = append(m.ExecutionLog, LogExecutionCall{
		TaskID:     taskID,
		Attempt:    attempt,
		Status:     status,
		DurationMs: durationMs,
		ErrorMsg:   msgErr,
	})

	return m.LogExecutionError
}

func (m *MockTaskRepository) GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskStatsError != nil {
		return nil, m.GetTaskStatsError
	}

	return m.TaskStats, nil
}

func (m *MockTaskRepository) GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentTasksError != nil {
		return nil, m.GetRecentTasksError
	}
	if len(m.RecentTasks) > limit {
		return m.RecentTasks[:limit], nil
	}

	return m.RecentTasks, nil
}

func (m *MockTaskRepository) GetTasksByKind(ctx context.Context, kind string, limit int) ([]models.RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filtered []models.RecentTask
	for _, t := range m.RecentTasks {
		if t.Kind == kind {
			filtered = append(filtered, t)
			if len(filtered) >= limit {
				break
			}
		}
	}

	return filtered, nil
}

func (m *MockTaskRepository) GetTaskHistory(ctx context.Context, taskID string) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var history []models.Execution
	for _, call := range m.ExecutionLog {
		if call.TaskID != taskID {
			continue
		}
		duration := int64(call.DurationMs)
		history = append(history, models.Execution{
			Attempt:      call.Attempt,
			Status:       call.Status,
			DurationMs:   &duration,
			ErrorMessage: call.ErrorMsg,
		})
	}

	return history, nil
}

func (m *MockTaskRepository) Close() error {
	return nil
}

// TaskStatus returns the last persisted status of taskID.
func (m *MockTaskRepository) TaskStatus(taskID string) (task.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, exists := m.Tasks[taskID]; exists {
		return t.Status, true
	}

	return "", false
}

func (m *MockTaskRepository) ExecutionsFor(taskID string) []LogExecutionCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var logs []LogExecutionCall
	for _, exec := range m.ExecutionLog {
		if exec.TaskID == taskID {
			logs = append(logs, exec)
		}
	}

	return logs
}

func (m *MockTaskRepository) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.IncrementRetryCalls)
}
