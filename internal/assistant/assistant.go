// Package assistant ties the scheduler, the reliability registry and the
// capture resources together behind the operations the outer surfaces call:
// text commands, photos, voice utterances and status.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nadmax/jarvis/internal/collab"
	"github.com/nadmax/jarvis/internal/health"
	"github.com/nadmax/jarvis/internal/resource"
	"github.com/nadmax/jarvis/internal/scheduler"
	"github.com/nadmax/jarvis/internal/task"
	"github.com/sourcegraph/conc"
)

// Task kinds submitted by the assistant.
const (
	KindVoiceCommand = "voice-command"
	KindTextCommand  = "text-command"
	KindPhotoCapture = "photo-capture"
	KindTTSSynthesis = "tts-synthesis"
	KindSystemStatus = "system-status"
)

// Registry component names. Resources register under their own names.
const (
	ComponentTaskQueue = "task_queue"
	ComponentChat      = "chat"
	ComponentSpeech    = "speech"
)

const (
	msgCameraUnavailable = "camera unavailable"
	msgChatUnavailable   = "chat unavailable"
	msgSpeechUnavailable = "speech recognition unavailable"
	msgNoSpeech          = "No speech detected"
	msgEmptyCommand      = "I didn't catch that."
)

var ErrAlreadyRunning = errors.New("assistant already running")

type Scheduler interface {
	Submit(spec task.Spec) (string, error)
	Wait(ctx context.Context, id string) (task.Task, error)
	Stats() scheduler.Stats
	Restart() bool
}

type Registry interface {
	Register(name string, recovery health.RecoveryFunc)
	ReportHealth(name string, status health.Status, metrics map[string]any, err error)
	ReportError(name string, err error, errContext string)
	SystemHealth() health.SystemHealth
}

// Resource is the lifecycle surface shared by audio and camera managers.
type Resource interface {
	Name() string
	Start(ctx context.Context) bool
	Stop()
	State() resource.State
	Available() bool
	AttemptRecovery(ctx context.Context) bool
}

type AudioInput interface {
	Resource
	GroupUtterances(n int, emit func(ctx context.Context, audio []byte))
}

type Camera interface {
	Resource
	collab.FrameSource
	RecordOutcome(success bool)
}

type Config struct {
	UtteranceChunks int
	PhotoAttempts   int
	PhotoRetryPause time.Duration
	CommandTimeout  time.Duration
	PhotoTimeout    time.Duration
	QueueWarnSize   int
	HealthInterval  time.Duration
	// HistoryLines bounds the conversation context sent to the completer.
	HistoryLines int
}

func DefaultConfig() Config {
	return Config{
		UtteranceChunks: 48,
		PhotoAttempts:   3,
		PhotoRetryPause: 200 * time.Millisecond,
		CommandTimeout:  30 * time.Second,
		PhotoTimeout:    10 * time.Second,
		QueueWarnSize:   100,
		HealthInterval:  30 * time.Second,
		HistoryLines:    10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UtteranceChunks <= 0 {
		c.UtteranceChunks = d.UtteranceChunks
	}
	if c.PhotoAttempts <= 0 {
		c.PhotoAttempts = d.PhotoAttempts
	}
	if c.PhotoRetryPause < 0 {
		c.PhotoRetryPause = 0
	} else if c.PhotoRetryPause == 0 {
		c.PhotoRetryPause = d.PhotoRetryPause
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.PhotoTimeout <= 0 {
		c.PhotoTimeout = d.PhotoTimeout
	}
	if c.QueueWarnSize <= 0 {
		c.QueueWarnSize = d.QueueWarnSize
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.HistoryLines <= 0 {
		c.HistoryLines = d.HistoryLines
	}
	return c
}

// Deps carries the collaborators. Scheduler and Registry are required; a nil
// resource or engine degrades the matching feature.
type Deps struct {
	Scheduler   Scheduler
	Registry    Registry
	Audio       AudioInput
	Camera      Camera
	Transcriber collab.Transcriber
	Synthesizer collab.Synthesizer
	Completer   collab.Completer
	// OnReply receives spoken replies, after synthesis when a synthesizer is set.
	OnReply func(text string, speech []byte)
	Logger  *slog.Logger
}

type PhotoResult struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Frame   *collab.Frame `json:"frame,omitempty"`
}

type SystemStatus struct {
	Running           bool           `json:"running"`
	AudioState        resource.State `json:"audio_state"`
	CameraState       resource.State `json:"camera_state"`
	AudioAvailable    bool           `json:"audio_available"`
	CameraAvailable   bool           `json:"camera_available"`
	SpeechAvailable   bool           `json:"speech_available"`
	ChatAvailable     bool           `json:"chat_available"`
	Health            health.Status  `json:"health"`
	Uptime            time.Duration  `json:"uptime"`
	TasksCompleted    int            `json:"tasks_completed"`
	TasksFailed       int            `json:"tasks_failed"`
	QueueSize         int            `json:"queue_size"`
	CommandsProcessed int            `json:"commands_processed"`
	PhotosTaken       int            `json:"photos_taken"`
	Utterances        int            `json:"utterances"`
}

type Assistant struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	loops     conc.WaitGroup
	history   []string
	commands  int
	photos    int
	utters    int
}

func New(cfg Config, deps Deps) *Assistant {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Assistant{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		log:       logger.With("component", "assistant"),
		startedAt: time.Now(),
	}
	a.register()

	return a
}

func (a *Assistant) register() {
	reg := a.deps.Registry
	if a.deps.Audio != nil {
		reg.Register(a.deps.Audio.Name(), a.deps.Audio.AttemptRecovery)
	}
	if a.deps.Camera != nil {
		reg.Register(a.deps.Camera.Name(), a.deps.Camera.AttemptRecovery)
	}
	reg.Register(ComponentTaskQueue, func(context.Context) bool {
		return a.deps.Scheduler.Restart()
	})
	if a.deps.Completer != nil {
		reg.Register(ComponentChat, nil)
	}
	if a.deps.Transcriber != nil {
		reg.Register(ComponentSpeech, nil)
	}
}

// Start brings up the capture resources and the periodic health check. A
// resource that fails to start leaves the assistant running in degraded mode;
// its manager keeps retrying in the background.
func (a *Assistant) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.running = true
	a.cancel = cancel
	a.startedAt = time.Now()
	a.mu.Unlock()

	if audio := a.deps.Audio; audio != nil {
		audio.GroupUtterances(a.cfg.UtteranceChunks, func(ctx context.Context, pcm []byte) {
			a.HandleUtterance(ctx, pcm)
		})
		if !audio.Start(ctx) {
			a.log.Warn("audio input unavailable, continuing without voice", "state", audio.State())
		}
	}
	if camera := a.deps.Camera; camera != nil {
		if !camera.Start(ctx) {
			a.log.Warn("camera unavailable, continuing without vision", "state", camera.State())
		}
	}

	a.loops.Go(func() { a.healthLoop(loopCtx) })

	a.log.Info("assistant started",
		"audio", a.deps.Audio != nil && a.deps.Audio.Available(),
		"camera", a.deps.Camera != nil && a.deps.Camera.Available(),
	)

	return nil
}

// Stop halts the health loop and the capture resources. The scheduler and the
// registry are owned by the caller.
func (a *Assistant) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		a.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stopping assistant: %w", ctx.Err())
	}

	if a.deps.Audio != nil {
		a.deps.Audio.Stop()
	}
	if a.deps.Camera != nil {
		a.deps.Camera.Stop()
	}

	a.log.Info("assistant stopped", "uptime", time.Since(a.startedAt).Round(time.Second))

	return nil
}

func (a *Assistant) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HealthInterval)
	defer ticker.Stop()

	a.CheckHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scheduleHealthCheck()
		}
	}
}

// scheduleHealthCheck runs the check as a background task so it competes
// fairly with user work, falling back to an inline check when the queue
// refuses it.
func (a *Assistant) scheduleHealthCheck() {
	spec := task.NewSpec(KindSystemStatus, func(context.Context) (any, error) {
		a.CheckHealth()
		return nil, nil
	})
	spec.Priority = task.PriorityBackground
	spec.MaxRetries = 0

	if _, err := a.deps.Scheduler.Submit(spec); err != nil {
		a.log.Warn("health check task rejected, checking inline", "error", err)
		a.CheckHealth()
	}
}

// ProcessText answers a typed command through the task queue.
func (a *Assistant) ProcessText(ctx context.Context, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return msgEmptyCommand
	}

	spec := task.NewSpec(KindTextCommand, func(ctx context.Context) (any, error) {
		return a.respond(ctx, text)
	})
	spec.MaxRetries = 1
	spec.Timeout = a.cfg.CommandTimeout

	return a.await(ctx, spec)
}

// await blocks for as long as the spec's retry policy allows, plus a second
// of queueing slack.
func (a *Assistant) await(ctx context.Context, spec task.Spec) string {
	id, err := a.deps.Scheduler.Submit(spec)
	if err != nil {
		a.log.Error("failed to submit task", "kind", spec.Kind, "error", err)
		return failedMessage(spec.Kind)
	}

	waitCtx, cancel := context.WithTimeout(ctx, spec.Budget()+time.Second)
	defer cancel()

	t, err := a.deps.Scheduler.Wait(waitCtx, id)
	if err != nil {
		a.log.Warn("gave up waiting for task", "task_id", id, "kind", spec.Kind, "error", err)
		return fmt.Sprintf("Sorry, the %s request timed out.", spec.Kind)
	}
	if t.Status != task.StatusCompleted {
		return failedMessage(spec.Kind)
	}

	reply, ok := t.Result.(string)
	if !ok {
		return failedMessage(spec.Kind)
	}

	return reply
}

func failedMessage(kind string) string {
	return fmt.Sprintf("Sorry, the %s request failed.", kind)
}

// respond runs one conversation turn against the completer.
func (a *Assistant) respond(ctx context.Context, text string) (string, error) {
	a.mu.Lock()
	a.commands++
	history := append([]string(nil), a.history...)
	a.mu.Unlock()

	if a.deps.Completer == nil {
		return msgChatUnavailable, nil
	}

	reply, err := a.deps.Completer.Complete(ctx, text, history)
	switch {
	case errors.Is(err, collab.ErrRateLimited):
		a.deps.Registry.ReportHealth(ComponentChat, health.StatusWarning, nil, err)
		return "", err
	case err != nil:
		a.deps.Registry.ReportError(ComponentChat, err, "completion")
		return "", err
	}

	a.deps.Registry.ReportHealth(ComponentChat, health.StatusHealthy, nil, nil)

	a.mu.Lock()
	a.history = append(a.history, "User: "+text, "Assistant: "+reply)
	if over := len(a.history) - a.cfg.HistoryLines; over > 0 {
		a.history = append(a.history[:0], a.history[over:]...)
	}
	a.mu.Unlock()

	return reply, nil
}

// TakePhoto grabs the freshest camera frame, retrying briefly when none is
// ready.
func (a *Assistant) TakePhoto(ctx context.Context) PhotoResult {
	spec := task.NewSpec(KindPhotoCapture, func(ctx context.Context) (any, error) {
		return a.capturePhoto(ctx), nil
	})
	spec.MaxRetries = 0
	spec.Timeout = a.cfg.PhotoTimeout

	id, err := a.deps.Scheduler.Submit(spec)
	if err != nil {
		a.log.Error("failed to submit photo task", "error", err)
		return PhotoResult{Message: failedMessage(KindPhotoCapture)}
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.PhotoTimeout+time.Second)
	defer cancel()

	t, err := a.deps.Scheduler.Wait(waitCtx, id)
	if err != nil {
		return PhotoResult{Message: fmt.Sprintf("Sorry, the %s request timed out.", KindPhotoCapture)}
	}
	res, ok := t.Result.(PhotoResult)
	if t.Status != task.StatusCompleted || !ok {
		return PhotoResult{Message: failedMessage(KindPhotoCapture)}
	}

	return res
}

func (a *Assistant) capturePhoto(ctx context.Context) PhotoResult {
	camera := a.deps.Camera
	if camera == nil || !camera.Available() {
		return PhotoResult{Message: msgCameraUnavailable}
	}

	var lastErr error
	for attempt := 1; attempt <= a.cfg.PhotoAttempts; attempt++ {
		frame, err := camera.CaptureFrame(ctx)
		if err == nil {
			camera.RecordOutcome(true)

			a.mu.Lock()
			a.photos++
			a.mu.Unlock()

			return PhotoResult{
				Success: true,
				Message: fmt.Sprintf("Photo captured (%dx%d)", frame.Width, frame.Height),
				Frame:   &frame,
			}
		}
		lastErr = err
		a.log.Debug("photo attempt failed", "attempt", attempt, "error", err)

		if attempt < a.cfg.PhotoAttempts {
			select {
			case <-ctx.Done():
				return PhotoResult{Message: msgCameraUnavailable}
			case <-time.After(a.cfg.PhotoRetryPause):
			}
		}
	}

	camera.RecordOutcome(false)
	a.log.Warn("photo capture failed", "attempts", a.cfg.PhotoAttempts, "error", lastErr)

	return PhotoResult{Message: msgCameraUnavailable}
}

// HandleUtterance queues a recorded utterance for transcription and reply at
// high priority. It does not wait for the outcome.
func (a *Assistant) HandleUtterance(_ context.Context, audio []byte) {
	a.mu.Lock()
	a.utters++
	a.mu.Unlock()

	spec := task.NewSpec(KindVoiceCommand, func(ctx context.Context) (any, error) {
		return a.processSpeech(ctx, audio)
	})
	spec.Priority = task.PriorityHigh
	spec.MaxRetries = 0
	spec.Timeout = a.cfg.CommandTimeout

	if _, err := a.deps.Scheduler.Submit(spec); err != nil {
		a.log.Error("failed to queue utterance", "bytes", len(audio), "error", err)
	}
}

func (a *Assistant) processSpeech(ctx context.Context, audio []byte) (string, error) {
	if a.deps.Transcriber == nil {
		return msgSpeechUnavailable, nil
	}

	text, err := a.deps.Transcriber.Transcribe(ctx, audio)
	if err != nil {
		a.deps.Registry.ReportError(ComponentSpeech, err, "transcription")
		return "", err
	}
	a.deps.Registry.ReportHealth(ComponentSpeech, health.StatusHealthy, nil, nil)

	text = strings.TrimSpace(text)
	if text == "" {
		return msgNoSpeech, nil
	}
	a.log.Info("speech transcribed", "text", text)

	reply, err := a.respond(ctx, text)
	if err != nil {
		reply = failedMessage(KindVoiceCommand)
	}
	a.speak(reply)

	return reply, nil
}

func (a *Assistant) speak(text string) {
	if a.deps.Synthesizer == nil {
		if a.deps.OnReply != nil {
			a.deps.OnReply(text, nil)
		}
		return
	}

	spec := task.NewSpec(KindTTSSynthesis, func(ctx context.Context) (any, error) {
		pcm, err := a.deps.Synthesizer.Synthesize(ctx, text)
		if err != nil {
			return nil, err
		}
		if a.deps.OnReply != nil {
			a.deps.OnReply(text, pcm)
		}
		return len(pcm), nil
	})
	spec.MaxRetries = 1
	spec.Timeout = 15 * time.Second

	if _, err := a.deps.Scheduler.Submit(spec); err != nil {
		a.log.Error("failed to queue speech synthesis", "error", err)
	}
}

func (a *Assistant) Status() SystemStatus {
	stats := a.deps.Scheduler.Stats()

	a.mu.Lock()
	st := SystemStatus{
		Running:           a.running,
		SpeechAvailable:   a.deps.Transcriber != nil,
		ChatAvailable:     a.deps.Completer != nil,
		Uptime:            time.Since(a.startedAt),
		CommandsProcessed: a.commands,
		PhotosTaken:       a.photos,
		Utterances:        a.utters,
	}
	a.mu.Unlock()

	st.AudioState = resource.StateDisabled
	if a.deps.Audio != nil {
		st.AudioState = a.deps.Audio.State()
		st.AudioAvailable = a.deps.Audio.Available()
	}
	st.CameraState = resource.StateDisabled
	if a.deps.Camera != nil {
		st.CameraState = a.deps.Camera.State()
		st.CameraAvailable = a.deps.Camera.Available()
	}
	st.Health = a.deps.Registry.SystemHealth().Overall
	st.TasksCompleted = stats.Completed
	st.TasksFailed = stats.Failed
	st.QueueSize = stats.QueueSize

	return st
}

// CheckHealth refreshes the registry with resource availability and queue
// depth. Resources in error or recovering are left alone; their managers
// report those states themselves.
func (a *Assistant) CheckHealth() {
	reg := a.deps.Registry
	for _, r := range []Resource{a.deps.Audio, a.deps.Camera} {
		if r == nil {
			continue
		}
		switch st := r.State(); st {
		case resource.StateReady, resource.StateActive:
			reg.ReportHealth(r.Name(), health.StatusHealthy, map[string]any{"state": string(st)}, nil)
		case resource.StateStopped, resource.StateDisabled:
			reg.ReportHealth(r.Name(), health.StatusWarning, map[string]any{"state": string(st)}, nil)
		}
	}

	stats := a.deps.Scheduler.Stats()
	status := health.StatusHealthy
	switch {
	case stats.Closed:
		status = health.StatusCritical
	case stats.QueueSize >= a.cfg.QueueWarnSize:
		status = health.StatusWarning
	}
	reg.ReportHealth(ComponentTaskQueue, status, map[string]any{
		"queue_size":     stats.QueueSize,
		"running":        stats.Running,
		"active_workers": stats.ActiveWorkers,
		"completed":      stats.Completed,
		"failed":         stats.Failed,
	}, nil)
}
