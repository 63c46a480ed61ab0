// Package config loads the assistant's settings from defaults, an optional
// YAML file and JARVIS_ prefixed environment variables.
package config

import "time"

type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler" json:"scheduler"`
	Audio     AudioConfig     `mapstructure:"audio" json:"audio"`
	Camera    CameraConfig    `mapstructure:"camera" json:"camera"`
	Health    HealthConfig    `mapstructure:"health" json:"health"`
	Server    ServerConfig    `mapstructure:"server" json:"server"`
	Redis     RedisConfig     `mapstructure:"redis" json:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres" json:"postgres"`
	Alerts    AlertsConfig    `mapstructure:"alerts" json:"alerts"`
	Chat      ChatConfig      `mapstructure:"chat" json:"chat"`
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging"`
}

type SchedulerConfig struct {
	Workers         int           `mapstructure:"workers" json:"workers" validate:"gt=0,lte=64"`
	PollInterval    time.Duration `mapstructure:"poll_interval" json:"poll_interval" validate:"gt=0"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval" json:"monitor_interval" validate:"gt=0"`
	HistorySize     int           `mapstructure:"history_size" json:"history_size" validate:"gt=0"`
}

// ResourceConfig holds the lifecycle settings shared by audio and camera.
type ResourceConfig struct {
	Enabled             bool          `mapstructure:"enabled" json:"enabled"`
	ValidationReads     int           `mapstructure:"validation_reads" json:"validation_reads" validate:"gt=0"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout" json:"probe_timeout" validate:"gt=0"`
	MaxInitAttempts     int           `mapstructure:"max_init_attempts" json:"max_init_attempts" validate:"gt=0"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts" json:"max_recovery_attempts" validate:"gt=0"`
	RecoveryCooldown    time.Duration `mapstructure:"recovery_cooldown" json:"recovery_cooldown" validate:"gte=0"`
	BufferSize          int           `mapstructure:"buffer_size" json:"buffer_size" validate:"gt=0"`
}

type AudioConfig struct {
	ResourceConfig  `mapstructure:",squash"`
	Device          string `mapstructure:"device" json:"device" validate:"required"`
	Channels        int    `mapstructure:"channels" json:"channels" validate:"min=1,max=2"`
	UtteranceChunks int    `mapstructure:"utterance_chunks" json:"utterance_chunks" validate:"gt=0"`
}

type CameraConfig struct {
	ResourceConfig `mapstructure:",squash"`
	Devices        []int         `mapstructure:"devices" json:"devices" validate:"min=1,dive,gte=0"`
	FrameMaxAge    time.Duration `mapstructure:"frame_max_age" json:"frame_max_age" validate:"gt=0"`
	PhotoAttempts  int           `mapstructure:"photo_attempts" json:"photo_attempts" validate:"gt=0"`
}

type HealthConfig struct {
	ErrorThreshold   int           `mapstructure:"error_threshold" json:"error_threshold" validate:"gt=0"`
	CheckInterval    time.Duration `mapstructure:"check_interval" json:"check_interval" validate:"gt=0"`
	StaleAfter       time.Duration `mapstructure:"stale_after" json:"stale_after" validate:"gt=0"`
	RecoveryCooldown time.Duration `mapstructure:"recovery_cooldown" json:"recovery_cooldown" validate:"gte=0"`
	HistorySize      int           `mapstructure:"history_size" json:"history_size" validate:"gt=0"`
	ReportDir        string        `mapstructure:"report_dir" json:"report_dir"`
	KeepReports      int           `mapstructure:"keep_reports" json:"keep_reports" validate:"gt=0"`
	// QueueWarnSize is the pending task count above which the task queue
	// reports a warning.
	QueueWarnSize int `mapstructure:"queue_warn_size" json:"queue_warn_size" validate:"gt=0"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" json:"port" validate:"gt=0,lt=65536"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr" json:"addr" validate:"omitempty,hostname_port"`
	Password string        `mapstructure:"password" json:"password"`
	DB       int           `mapstructure:"db" json:"db" validate:"gte=0"`
	TaskTTL  time.Duration `mapstructure:"task_ttl" json:"task_ttl" validate:"gt=0"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url" json:"url" validate:"omitempty,url"`
}

type AlertsConfig struct {
	SendGridAPIKey string   `mapstructure:"sendgrid_api_key" json:"sendgrid_api_key"`
	FromName       string   `mapstructure:"from_name" json:"from_name"`
	FromAddress    string   `mapstructure:"from_address" json:"from_address" validate:"omitempty,email"`
	To             []string `mapstructure:"to" json:"to" validate:"dive,email"`
}

type ChatConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" json:"gemini_api_key"`
	Model        string `mapstructure:"model" json:"model"`
	Persona      string `mapstructure:"persona" json:"persona"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" json:"format" validate:"oneof=json text"`
}

const redacted = "********"

// Redacted returns a copy with credentials masked, for printing.
func (c Config) Redacted() Config {
	if c.Redis.Password != "" {
		c.Redis.Password = redacted
	}
	if c.Postgres.URL != "" {
		c.Postgres.URL = redacted
	}
	if c.Alerts.SendGridAPIKey != "" {
		c.Alerts.SendGridAPIKey = redacted
	}
	if c.Chat.GeminiAPIKey != "" {
		c.Chat.GeminiAPIKey = redacted
	}
	return c
}
