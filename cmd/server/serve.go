package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/jarvis/internal/api"
	"github.com/nadmax/jarvis/internal/assistant"
	"github.com/nadmax/jarvis/internal/collab/gemini"
	"github.com/nadmax/jarvis/internal/config"
	"github.com/nadmax/jarvis/internal/health"
	"github.com/nadmax/jarvis/internal/notify"
	"github.com/nadmax/jarvis/internal/repository"
	"github.com/nadmax/jarvis/internal/resource"
	"github.com/nadmax/jarvis/internal/scheduler"
	"github.com/nadmax/jarvis/internal/store"
)

const dependencyCheckInterval = 10 * time.Second

type app struct {
	cfg    *config.Config
	logger *slog.Logger

	repo      *repository.PostgresTaskRepository
	mirror    *store.RedisMirror
	sched     *scheduler.Scheduler
	registry  *health.Registry
	audio     *resource.AudioManager
	camera    *resource.CameraManager
	assistant *assistant.Assistant
	server    *http.Server
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := a.assistant.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("failed to start assistant: %w", err)
	}

	go startDependencyMonitor(ctx, a.registry, a.dependencyChecks(), dependencyCheckInterval, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serveErr:
		logger.Error("server failed", "error", err)
	}

	a.shutdown()

	return err
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var schedOpts []scheduler.Option
	var healthOpts []health.Option

	if cfg.Postgres.URL != "" {
		repo, err := repository.NewPostgresTaskRepository(cfg.Postgres.URL, logger)
		if err != nil {
			return nil, err
		}
		if err := repository.Migrate(ctx, repo.DB(), logger); err != nil {
			_ = repo.Close()
			return nil, err
		}
		a.repo = repo
		schedOpts = append(schedOpts, scheduler.WithRepository(repo))
		logger.Info("task history persisted to PostgreSQL")
	}

	if cfg.Redis.Addr != "" {
		mirror, err := store.NewRedisMirror(store.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TaskTTL:  cfg.Redis.TaskTTL,
		}, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.mirror = mirror
		schedOpts = append(schedOpts, scheduler.WithMirror(mirror))
		healthOpts = append(healthOpts, health.WithSnapshotSink(mirror))
		logger.Info("connected to Redis", "addr", cfg.Redis.Addr)
	}

	if cfg.Alerts.SendGridAPIKey != "" {
		notifier, err := notify.NewSendGridNotifier(notify.Config{
			APIKey:      cfg.Alerts.SendGridAPIKey,
			FromName:    cfg.Alerts.FromName,
			FromAddress: cfg.Alerts.FromAddress,
			To:          cfg.Alerts.To,
		}, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		healthOpts = append(healthOpts, health.WithNotifier(notifier))
	}

	a.registry = health.NewRegistry(health.Config{
		ErrorThreshold:   cfg.Health.ErrorThreshold,
		CheckInterval:    cfg.Health.CheckInterval,
		StaleAfter:       cfg.Health.StaleAfter,
		RecoveryCooldown: cfg.Health.RecoveryCooldown,
		HistorySize:      cfg.Health.HistorySize,
		ReportDir:        cfg.Health.ReportDir,
		KeepReports:      cfg.Health.KeepReports,
	}, logger, healthOpts...)

	a.sched = scheduler.New(scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		PollInterval:    cfg.Scheduler.PollInterval,
		MonitorInterval: cfg.Scheduler.MonitorInterval,
		HistorySize:     cfg.Scheduler.HistorySize,
	}, logger, schedOpts...)
	a.sched.Start()
	a.registry.Start()

	deps := assistant.Deps{
		Scheduler: a.sched,
		Registry:  a.registry,
		OnReply: func(text string, speech []byte) {
			logger.Info("reply", "text", text, "speech_bytes", len(speech))
		},
		Logger: logger,
	}

	resDeps := resource.Deps{Reporter: a.registry, Submitter: a.sched, Logger: logger}
	if cfg.Audio.Enabled {
		candidates := resource.AudioCandidates(cfg.Audio.Device, cfg.Audio.Channels, resource.DefaultSampleRates, resource.DefaultChunkSizes)
		a.audio = resource.NewAudioManager(resourceConfig("audio", candidates, cfg.Audio.ResourceConfig), resource.ArecordProbe{}, resDeps)
		deps.Audio = a.audio
	}
	if cfg.Camera.Enabled {
		candidates := resource.CameraCandidates(cfg.Camera.Devices, resource.DefaultResolutions, resource.DefaultFrameRates)
		a.camera = resource.NewCameraManager(resourceConfig("camera", candidates, cfg.Camera.ResourceConfig), resource.FFmpegProbe{}, cfg.Camera.FrameMaxAge, resDeps)
		deps.Camera = a.camera
	}

	if cfg.Chat.GeminiAPIKey != "" {
		completer, err := gemini.New(ctx, gemini.Config{
			APIKey:  cfg.Chat.GeminiAPIKey,
			Model:   cfg.Chat.Model,
			Persona: cfg.Chat.Persona,
		}, logger)
		if err != nil {
			logger.Warn("chat disabled", "error", err)
		} else {
			deps.Completer = completer
		}
	}

	a.assistant = assistant.New(assistant.Config{
		UtteranceChunks: cfg.Audio.UtteranceChunks,
		PhotoAttempts:   cfg.Camera.PhotoAttempts,
		QueueWarnSize:   cfg.Health.QueueWarnSize,
		HealthInterval:  cfg.Health.CheckInterval,
	}, deps)

	a.server = &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewAPI(a.apiDeps()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return a, nil
}

// resourceConfig maps the shared resource settings. A zero cooldown in the
// config means no cooldown.
func resourceConfig[C any](name string, candidates []C, rc config.ResourceConfig) resource.Config[C] {
	cooldown := rc.RecoveryCooldown
	if cooldown == 0 {
		cooldown = -1
	}
	return resource.Config[C]{
		Name:                name,
		Candidates:          candidates,
		ValidationReads:     rc.ValidationReads,
		ProbeTimeout:        rc.ProbeTimeout,
		MaxInitAttempts:     rc.MaxInitAttempts,
		MaxRecoveryAttempts: rc.MaxRecoveryAttempts,
		RecoveryCooldown:    cooldown,
		BufferSize:          rc.BufferSize,
	}
}

func (a *app) apiDeps() api.Deps {
	deps := api.Deps{
		Scheduler: a.sched,
		Health:    a.registry,
		Assistant: a.assistant,
		Resources: make(map[string]func() any),
		Logger:    a.logger,
	}
	if a.mirror != nil {
		deps.Mirror = a.mirror
	}
	if a.repo != nil {
		deps.Repository = a.repo
	}
	if a.audio != nil {
		deps.Resources[a.audio.Name()] = func() any { return a.audio.Status() }
	}
	if a.camera != nil {
		deps.Resources[a.camera.Name()] = func() any { return a.camera.Status() }
	}
	return deps
}

func (a *app) dependencyChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if a.mirror != nil {
		checks["redis"] = a.mirror.Ping
	}
	if a.repo != nil {
		checks["postgres"] = a.repo.DB().PingContext
	}
	return checks
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shut down http server", "error", err)
	}
	if err := a.assistant.Stop(ctx); err != nil {
		a.logger.Error("failed to stop assistant", "error", err)
	}
	if a.audio != nil {
		a.audio.Close()
	}
	if a.camera != nil {
		a.camera.Close()
	}
	if err := a.sched.Stop(ctx); err != nil {
		a.logger.Error("failed to stop scheduler", "error", err)
	}
	if err := a.registry.Stop(ctx); err != nil {
		a.logger.Error("failed to stop health monitor", "error", err)
	}

	a.close()
	a.logger.Info("shutdown complete")
}

func (a *app) close() {
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Error("failed to close redis mirror", "error", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Error("failed to close task repository", "error", err)
		}
	}
}
