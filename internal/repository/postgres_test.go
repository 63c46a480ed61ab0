package repository

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nadmax/jarvis/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresTaskRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := &PostgresTaskRepository{db: db, logger: testLogger()}
	return db, mock, repo
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewPostgresTaskRepository(t *testing.T) {
	t.Run("connection failure", func(t *testing.T) {
		_, err := NewPostgresTaskRepository("invalid connection string", nil)
		assert.Error(t, err)
	})
}

func TestGetTask(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()
	columns := []string{
		"task_id", "kind", "priority", "status", "attempts", "max_retries",
		"failure_reason", "created_at", "started_at", "completed_at",
	}

	t.Run("successful retrieval", func(t *testing.T) {
		rows := sqlmock.NewRows(columns).AddRow(
			"task-123", "photo-capture", 1, "completed", 2, 3,
			"", now, now, now.Add(time.Second),
		)
		mock.ExpectQuery("SELECT.*FROM task_history WHERE task_id").
			WithArgs("task-123").
			WillReturnRows(rows)

		result, err := repo.GetTask(ctx, "task-123")
		require.NoError(t, err)
		assert.Equal(t, "photo-capture", result.Kind)
		assert.Equal(t, task.PriorityHigh, result.Priority)
		assert.Equal(t, task.StatusCompleted, result.Status)
		assert.Equal(t, 2, result.Attempts)
		assert.NotNil(t, result.StartedAt)
		assert.NotNil(t, result.CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM task_history WHERE task_id").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, task.ErrTaskNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSaveTask(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	now := time.Now()
	tsk := task.Task{
		ID:         "task-123",
		Kind:       "voice-command",
		Priority:   task.PriorityHigh,
		Status:     task.StatusPending,
		MaxRetries: 3,
		CreatedAt:  now,
	}

	mock.ExpectExec("INSERT INTO task_history").
		WithArgs("task-123", "voice-command", 1, "pending", 0, 3, nil, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.SaveTask(context.Background(), tsk)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTask_DatabaseError(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO task_history").
		WillReturnError(errors.New("connection reset"))

	err := repo.SaveTask(context.Background(), task.Task{ID: "x", Error: "boom"})
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	mock.ExpectExec("UPDATE task_history").
		WithArgs("running", 1, "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE task_history").
		WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE task_history").
		WithArgs(1500, "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE task_history").
		WithArgs("task timed out", 30000, "task-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE task_history").
		WithArgs("task-3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateTaskStatus(ctx, "task-1", task.StatusRunning, 1))
	require.NoError(t, repo.IncrementRetryCount(ctx, "task-1"))
	require.NoError(t, repo.CompleteTask(ctx, "task-1", 1500))
	require.NoError(t, repo.FailTask(ctx, "task-2", "task timed out", 30000))
	require.NoError(t, repo.CancelTask(ctx, "task-3"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogExecution(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	mock.ExpectExec("INSERT INTO task_execution_log").
		WithArgs("task-1", 1, "failed", 120, "device busy").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO task_execution_log").
		WithArgs("task-1", 2, "completed", nil, nil).
		WillReturnResult(sqlmock.NewResult(2, 1))

	require.NoError(t, repo.LogExecution(ctx, "task-1", 1, "failed", 120, "device busy"))
	require.NoError(t, repo.LogExecution(ctx, "task-1", 2, "completed", 0, ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskStats(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{
		"kind", "status", "count", "avg_duration_ms", "max_duration_ms", "min_duration_ms", "avg_retries",
	}).
		AddRow("photo-capture", "completed", 10, 250.5, 900, 100, 0.2).
		AddRow("voice-command", "failed", 2, 1000.0, 1200, 800, 3.0)

	mock.ExpectQuery("SELECT.*FROM task_history").
		WithArgs(24).
		WillReturnRows(rows)

	stats, err := repo.GetTaskStats(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "photo-capture", stats[0].Kind)
	assert.Equal(t, 10, stats[0].Count)
	assert.Equal(t, 3.0, stats[1].AvgRetries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecentTasks(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	now := time.Now()
	duration := 150
	columns := []string{
		"task_id", "kind", "priority", "status", "created_at", "completed_at",
		"duration_ms", "retry_count", "failure_reason",
	}

	t.Run("all kinds", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM task_history.*ORDER BY created_at DESC").
			WithArgs(5).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("task-1", "speak", 2, "completed", now, now, duration, 0, "").
				AddRow("task-2", "transcribe", 1, "pending", now, nil, nil, 0, ""))

		tasks, err := repo.GetRecentTasks(context.Background(), 5)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, 150, *tasks[0].DurationMs)
		assert.Nil(t, tasks[1].CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("by kind", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM task_history.*WHERE kind").
			WithArgs("speak", 10).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("task-1", "speak", 2, "completed", now, now, duration, 1, ""))

		tasks, err := repo.GetTasksByKind(context.Background(), "speak", 10)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, 1, tasks[0].RetryCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetTaskHistory(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	now := time.Now()
	mock.ExpectQuery("SELECT.*FROM task_execution_log").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"attempt_number", "status", "completed_at", "duration_ms", "error_message",
		}).
			AddRow(1, "failed", now, 20, "device busy").
			AddRow(2, "completed", now, 15, nil))

	history, err := repo.GetTaskHistory(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "device busy", history[0].ErrorMessage)
	assert.Equal(t, int64(15), *history[1].DurationMs)
	assert.Empty(t, history[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose(t *testing.T) {
	db, mock, repo := setupMockDB(t)

	mock.ExpectClose()
	require.NoError(t, repo.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Same(t, db, repo.DB())
}
