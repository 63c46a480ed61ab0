package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "JARVIS"

// Load reads configuration from defaults, the YAML file at path (if any) and
// the environment, in increasing precedence, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.poll_interval", 100*time.Millisecond)
	v.SetDefault("scheduler.monitor_interval", 5*time.Second)
	v.SetDefault("scheduler.history_size", 100)

	for _, r := range []string{"audio", "camera"} {
		v.SetDefault(r+".enabled", true)
		v.SetDefault(r+".validation_reads", 5)
		v.SetDefault(r+".probe_timeout", 5*time.Second)
		v.SetDefault(r+".max_init_attempts", 5)
		v.SetDefault(r+".max_recovery_attempts", 3)
		v.SetDefault(r+".recovery_cooldown", 5*time.Second)
		v.SetDefault(r+".buffer_size", 30)
	}
	v.SetDefault("audio.device", "default")
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.utterance_chunks", 48)
	v.SetDefault("camera.devices", []int{0, 1, 2})
	v.SetDefault("camera.frame_max_age", time.Second)
	v.SetDefault("camera.photo_attempts", 3)

	v.SetDefault("health.error_threshold", 5)
	v.SetDefault("health.check_interval", 10*time.Second)
	v.SetDefault("health.stale_after", time.Minute)
	v.SetDefault("health.recovery_cooldown", 30*time.Second)
	v.SetDefault("health.history_size", 1000)
	v.SetDefault("health.report_dir", "logs")
	v.SetDefault("health.keep_reports", 30)
	v.SetDefault("health.queue_warn_size", 100)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.task_ttl", 24*time.Hour)

	v.SetDefault("postgres.url", "")

	v.SetDefault("alerts.sendgrid_api_key", "")
	v.SetDefault("alerts.from_name", "Jarvis")
	v.SetDefault("alerts.from_address", "")
	v.SetDefault("alerts.to", []string{})

	v.SetDefault("chat.gemini_api_key", "")
	v.SetDefault("chat.model", "gemini-2.0-flash")
	v.SetDefault("chat.persona", "You are Jarvis, a concise and helpful personal assistant.")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	var problems []string
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
		}
	}

	if cfg.Alerts.SendGridAPIKey != "" {
		if cfg.Alerts.FromAddress == "" {
			problems = append(problems, "Config.Alerts.FromAddress is required with a SendGrid API key")
		}
		if len(cfg.Alerts.To) == 0 {
			problems = append(problems, "Config.Alerts.To is required with a SendGrid API key")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	return nil
}
