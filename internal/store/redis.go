// Package store mirrors finished tasks and health snapshots into Redis so they
// outlive the in-memory history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/jarvis/internal/health"
	"github.com/nadmax/jarvis/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix = "jarvis:task:"
	recentKey     = "jarvis:tasks:recent"
	snapshotsKey  = "jarvis:health:snapshots"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// TaskTTL bounds how long a mirrored task is kept.
	TaskTTL time.Duration
	// RecentLimit caps the recent-task index.
	RecentLimit int64
	// SnapshotLimit caps the stored health history.
	SnapshotLimit int64
}

type RedisMirror struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger
}

func NewRedisMirror(opts Options, logger *slog.Logger) (*RedisMirror, error) {
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = 24 * time.Hour
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 1000
	}
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisMirror{
		client: client,
		opts:   opts,
		logger: logger.With("component", "redis_mirror"),
	}, nil
}

// SaveTask stores a task snapshot and indexes it by completion time.
func (m *RedisMirror) SaveTask(ctx context.Context, t task.Task) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return err
	}

	at := t.CreatedAt
	if t.CompletedAt != nil {
		at = *t.CompletedAt
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKeyPrefix+t.ID, taskJSON, m.opts.TaskTTL)
		pipe.ZAdd(ctx, recentKey, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: t.ID,
		})
		pipe.ZRemRangeByRank(ctx, recentKey, 0, -m.opts.RecentLimit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror task %s: %w", t.ID, err)
	}

	return nil
}

func (m *RedisMirror) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	taskJSON, err := m.client.Get(ctx, taskKeyPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	return task.TaskFromJSON(taskJSON)
}

// RecentTasks returns up to limit mirrored tasks, newest first. Entries whose
// snapshot already expired are skipped.
func (m *RedisMirror) RecentTasks(ctx context.Context, limit int64) ([]task.Task, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := m.client.ZRevRange(ctx, recentKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []task.Task{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKeyPrefix + id
	}

	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]task.Task, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		t, err := task.TaskFromJSON(s)
		if err != nil {
			m.logger.Warn("skipping unreadable task snapshot", "task_id", ids[i], "error", err)
			continue
		}
		tasks = append(tasks, *t)
	}

	return tasks, nil
}

func (m *RedisMirror) SaveHealthSnapshot(ctx context.Context, s health.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, snapshotsKey, data)
		pipe.LTrim(ctx, snapshotsKey, 0, m.opts.SnapshotLimit-1)
		return nil
	})

	return err
}

// HealthHistory returns up to limit snapshots, newest first.
func (m *RedisMirror) HealthHistory(ctx context.Context, limit int64) ([]health.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}

	raw, err := m.client.LRange(ctx, snapshotsKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	snapshots := make([]health.Snapshot, 0, len(raw))
	for _, r := range raw {
		var s health.Snapshot
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			m.logger.Warn("skipping unreadable health snapshot", "error", err)
			continue
		}
		snapshots = append(snapshots, s)
	}

	return snapshots, nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
