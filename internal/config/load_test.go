package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.MonitorInterval)
	assert.Equal(t, 100, cfg.Scheduler.HistorySize)

	assert.True(t, cfg.Audio.Enabled)
	assert.Equal(t, "default", cfg.Audio.Device)
	assert.Equal(t, 5, cfg.Audio.MaxInitAttempts)
	assert.Equal(t, 3, cfg.Camera.MaxRecoveryAttempts)
	assert.Equal(t, []int{0, 1, 2}, cfg.Camera.Devices)
	assert.Equal(t, 3, cfg.Camera.PhotoAttempts)

	assert.Equal(t, 5, cfg.Health.ErrorThreshold)
	assert.Equal(t, 10*time.Second, cfg.Health.CheckInterval)
	assert.Equal(t, time.Minute, cfg.Health.StaleAfter)
	assert.Equal(t, 1000, cfg.Health.HistorySize)
	assert.Equal(t, 100, cfg.Health.QueueWarnSize)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TaskTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JARVIS_SCHEDULER_WORKERS", "8")
	t.Setenv("JARVIS_SCHEDULER_MONITOR_INTERVAL", "2s")
	t.Setenv("JARVIS_AUDIO_ENABLED", "false")
	t.Setenv("JARVIS_REDIS_ADDR", "localhost:6379")
	t.Setenv("JARVIS_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.MonitorInterval)
	assert.False(t, cfg.Audio.Enabled)
	assert.True(t, cfg.Camera.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jarvis.yaml")
	content := `
scheduler:
  workers: 2
camera:
  devices: [1]
  frame_max_age: 500ms
health:
  report_dir: /tmp/jarvis-reports
alerts:
  sendgrid_api_key: SG.test
  from_address: jarvis@example.com
  to:
    - ops@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("JARVIS_SCHEDULER_WORKERS", "6")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Scheduler.Workers, "environment overrides the file")
	assert.Equal(t, []int{1}, cfg.Camera.Devices)
	assert.Equal(t, 500*time.Millisecond, cfg.Camera.FrameMaxAge)
	assert.Equal(t, "/tmp/jarvis-reports", cfg.Health.ReportDir)
	assert.Equal(t, []string{"ops@example.com"}, cfg.Alerts.To)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.MonitorInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "zero workers",
			env:  map[string]string{"JARVIS_SCHEDULER_WORKERS": "0"},
			want: "Config.Scheduler.Workers",
		},
		{
			name: "port out of range",
			env:  map[string]string{"JARVIS_SERVER_PORT": "70000"},
			want: "Config.Server.Port",
		},
		{
			name: "unknown log level",
			env:  map[string]string{"JARVIS_LOGGING_LEVEL": "verbose"},
			want: "Config.Logging.Level",
		},
		{
			name: "bad redis address",
			env:  map[string]string{"JARVIS_REDIS_ADDR": "not an address"},
			want: "Config.Redis.Addr",
		},
		{
			name: "alerts without recipients",
			env: map[string]string{
				"JARVIS_ALERTS_SENDGRID_API_KEY": "SG.test",
				"JARVIS_ALERTS_FROM_ADDRESS":     "jarvis@example.com",
			},
			want: "Config.Alerts.To",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			require.Error(t, err)
			assert.ErrorContains(t, err, "invalid configuration")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Config{
		Redis:    RedisConfig{Addr: "localhost:6379", Password: "secret"},
		Postgres: PostgresConfig{URL: "postgres://u:p@localhost/db"},
		Alerts:   AlertsConfig{SendGridAPIKey: "SG.key"},
		Chat:     ChatConfig{GeminiAPIKey: "key"},
	}

	r := cfg.Redacted()
	assert.Equal(t, "localhost:6379", r.Redis.Addr)
	assert.Equal(t, redacted, r.Redis.Password)
	assert.Equal(t, redacted, r.Postgres.URL)
	assert.Equal(t, redacted, r.Alerts.SendGridAPIKey)
	assert.Equal(t, redacted, r.Chat.GeminiAPIKey)
	assert.Equal(t, "secret", cfg.Redis.Password)

	assert.Empty(t, Config{}.Redacted().Redis.Password)
}
