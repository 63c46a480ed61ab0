// Package repository provides PostgreSQL persistence for task history.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/jarvis/internal/repository/models"
	"github.com/nadmax/jarvis/internal/task"
)

type PostgresTaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresTaskRepository(connectionString string, logger *slog.Logger) (*PostgresTaskRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresTaskRepository{
		db:     db,
		logger: logger.With("component", "task_repository"),
	}, nil
}

func (r *PostgresTaskRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `
		SELECT
			task_id, kind, priority, status, attempts, max_retries,
			COALESCE(failure_reason, ''), created_at, started_at, completed_at
		FROM task_history WHERE task_id = $1
	`

	var t task.Task
	var startedAt, completedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, taskID).Scan(
		&t.ID,
		&t.Kind,
		&t.Priority,
		&t.Status,
		&t.Attempts,
		&t.MaxRetries,
		&t.Error,
		&t.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	return &t, nil
}

func (r *PostgresTaskRepository) SaveTask(ctx context.Context, t task.Task) error {
	query := `
		INSERT INTO task_history (
			task_id, kind, priority, status, attempts,
			max_retries, failure_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			failure_reason = EXCLUDED.failure_reason
	`

	var failureReason any
	if t.Error != "" {
		failureReason = t.Error
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Kind,
		int(t.Priority),
		string(t.Status),
		t.Attempts,
		t.MaxRetries,
		failureReason,
		t.CreatedAt,
	)

	return err
}

func (r *PostgresTaskRepository) UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, attempt int) error {
	statusStr := string(status)
	query := `
		UPDATE task_history
		SET status = $1,
		    started_at = CASE WHEN $1::text = 'running' THEN NOW() ELSE started_at END,
		    attempts = $2
		WHERE task_id = $3
	`

	_, err := r.db.ExecContext(ctx, query, statusStr, attempt, taskID)
	return err
}

func (r *PostgresTaskRepository) CompleteTask(ctx context.Context, taskID string, durationMs int) error {
	query := `
		UPDATE task_history
		SET status = 'completed',
		    completed_at = NOW(),
		    duration_ms = $1
		WHERE task_id = $2
	`
	_, err := r.db.ExecContext(ctx, query, durationMs, taskID)

	return err
}

func (r *PostgresTaskRepository) FailTask(ctx context.Context, taskID string, reason string, durationMs int) error {
	query := `
		UPDATE task_history
		SET status = 'failed',
		    completed_at = NOW(),
		    failure_reason = $1,
		    duration_ms = $2
		WHERE task_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, reason, durationMs, taskID)

	return err
}

func (r *PostgresTaskRepository) CancelTask(ctx context.Context, taskID string) error {
	query := `
		UPDATE task_history
		SET status = 'cancelled',
		    completed_at = NOW()
		WHERE task_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, taskID)

	return err
}

func (r *PostgresTaskRepository) IncrementRetryCount(ctx context.Context, taskID string) error {
	query := `
		UPDATE task_history
		SET retry_count = retry_count + 1,
		    status = 'retrying'
		WHERE task_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, taskID)

	return err
}

func (r *PostgresTaskRepository) LogExecution(ctx context.Context, taskID string, attempt int, status string, durationMs int, msgErr string) error {
	query := `
		INSERT INTO task_execution_log (
			task_id, attempt_number, status, completed_at,
			duration_ms, error_message
		) VALUES ($1, $2, $3, NOW(), $4, $5)
	`

	var durationMsVal any
	if durationMs > 0 {
		durationMsVal = durationMs
	}

	var msgErrVal any
	if msgErr != "" {
		msgErrVal = msgErr
	}

	_, err := r.db.ExecContext(ctx, query, taskID, attempt, status, durationMsVal, msgErrVal)

	return err
}

func (r *PostgresTaskRepository) GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error) {
	query := `
		SELECT
			kind, status, COUNT(*) as count,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) as max_duration_ms,
			COALESCE(MIN(duration_ms), 0) as min_duration_ms,
			COALESCE(AVG(retry_count), 0) as avg_retries
		FROM task_history
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY kind, status
		ORDER BY kind, status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(rows)

	var stats []models.TaskStats
	for rows.Next() {
		var s models.TaskStats
		if err := rows.Scan(
			&s.Kind,
			&s.Status,
			&s.Count,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
			&s.MinDurationMs,
			&s.AvgRetries,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresTaskRepository) GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error) {
	query := `
		SELECT
			task_id, kind, priority, status, created_at, completed_at,
			duration_ms, retry_count, COALESCE(failure_reason, '')
		FROM task_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(rows)

	return scanRecentTasks(rows)
}

func (r *PostgresTaskRepository) GetTasksByKind(ctx context.Context, kind string, limit int) ([]models.RecentTask, error) {
	query := `
		SELECT
			task_id, kind, priority, status, created_at, completed_at,
			duration_ms, retry_count, COALESCE(failure_reason, '')
		FROM task_history
		WHERE kind = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, kind, limit)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(rows)

	return scanRecentTasks(rows)
}

func (r *PostgresTaskRepository) GetTaskHistory(ctx context.Context, taskID string) ([]models.Execution, error) {
	query := `
		SELECT
			attempt_number, status, completed_at, duration_ms, error_message
		FROM task_execution_log
		WHERE task_id = $1
		ORDER BY attempt_number ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(rows)

	var history []models.Execution
	for rows.Next() {
		var e models.Execution
		var completedAt sql.NullTime
		var durationMs sql.NullInt64
		var msgErr sql.NullString

		if err := rows.Scan(&e.Attempt, &e.Status, &completedAt, &durationMs, &msgErr); err != nil {
			return nil, err
		}

		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		if durationMs.Valid {
			e.DurationMs = &durationMs.Int64
		}
		e.ErrorMessage = msgErr.String

		history = append(history, e)
	}

	return history, rows.Err()
}

func (r *PostgresTaskRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresTaskRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresTaskRepository) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		r.logger.Error("failed to close rows", "error", err)
	}
}

func scanRecentTasks(rows *sql.Rows) ([]models.RecentTask, error) {
	var tasks []models.RecentTask
	for rows.Next() {
		var t models.RecentTask
		if err := rows.Scan(
			&t.TaskID,
			&t.Kind,
			&t.Priority,
			&t.Status,
			&t.CreatedAt,
			&t.CompletedAt,
			&t.DurationMs,
			&t.RetryCount,
			&t.FailureReason,
		); err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}
