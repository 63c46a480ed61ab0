// Package resource runs hardware inputs through a shared lifecycle: probe a
// working configuration, capture, detect failure and recover.
package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/jarvis/internal/health"
	"github.com/nadmax/jarvis/internal/task"
)

var (
	// ErrUnavailable marks a resource class that is missing altogether, such
	// as an absent driver. It disables the manager.
	ErrUnavailable = errors.New("resource unavailable")
	// ErrInitFailure is recorded when no candidate configuration works.
	ErrInitFailure       = errors.New("resource initialization failed")
	ErrRecoveryExhausted = errors.New("resource recovery attempts exhausted")
	// ErrTransientRead is wrapped by read errors the capture loop may skip.
	ErrTransientRead = errors.New("transient read failure")
	ErrNoSample      = errors.New("no sample available")
)

type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateActive       State = "active"
	StateError        State = "error"
	StateRecovering   State = "recovering"
	StateDisabled     State = "disabled"
)

var allStates = []string{
	string(StateStopped),
	string(StateInitializing),
	string(StateReady),
	string(StateActive),
	string(StateError),
	string(StateRecovering),
	string(StateDisabled),
}

var transitions = map[State][]State{
	StateStopped:      {StateInitializing, StateDisabled},
	StateInitializing: {StateReady, StateError, StateDisabled, StateStopped},
	StateReady:        {StateActive, StateInitializing, StateStopped, StateError},
	StateActive:       {StateError, StateStopped},
	StateError:        {StateRecovering, StateStopped, StateDisabled},
	StateRecovering:   {StateInitializing, StateError, StateStopped},
	StateDisabled:     {StateStopped},
}

// CanTransition reports whether the lifecycle allows moving from one state to
// another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Handle is an open resource. Read blocks until a sample is available or ctx
// is done.
type Handle[S any] interface {
	Read(ctx context.Context) (S, error)
	Close() error
}

// Probe opens the resource with one candidate configuration.
type Probe[C fmt.Stringer, S any] interface {
	Open(ctx context.Context, cfg C) (Handle[S], error)
}

// HealthReporter receives every lifecycle transition.
type HealthReporter interface {
	ReportHealth(name string, status health.Status, metrics map[string]any, err error)
}

// Submitter schedules deferred initialization retries.
type Submitter interface {
	Submit(spec task.Spec) (string, error)
}

type Sample[S any] struct {
	Seq   uint64    `json:"seq"`
	At    time.Time `json:"at"`
	Value S         `json:"-"`
}

type Stats struct {
	Samples    uint64  `json:"samples"`
	Dropped    uint64  `json:"dropped"`
	ReadErrors uint64  `json:"read_errors"`
	Successes  uint64  `json:"successes"`
	Failures   uint64  `json:"failures"`
	Recoveries uint64  `json:"recoveries"`
	Rate       float64 `json:"rate"`
}

type Status[C any] struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	Config           *C            `json:"config,omitempty"`
	Stats            Stats         `json:"stats"`
	Uptime           time.Duration `json:"uptime"`
	Available        bool          `json:"available"`
	InitAttempts     int           `json:"init_attempts"`
	RecoveryAttempts int           `json:"recovery_attempts"`
	LastError        string        `json:"last_error,omitempty"`
}

type Config[C any] struct {
	Name       string
	Candidates []C
	// ProbeReads samples must succeed for a candidate to be chosen.
	ProbeReads int
	// ValidationReads samples are read from the chosen candidate before ready.
	ValidationReads     int
	// ProbeTimeout bounds each candidate probe and the validation pass.
	ProbeTimeout        time.Duration
	MaxInitAttempts     int
	MaxRecoveryAttempts int
	// RecoveryCooldown and RecoveryPause take their defaults when zero; a
	// negative value disables them.
	RecoveryCooldown time.Duration
	RecoveryPause    time.Duration
	BackoffUnit      time.Duration
	BackoffCap       int
	StopTimeout      time.Duration
	BufferSize       int
	TransientPause   time.Duration
	// Pace returns the minimum spacing between reads for a configuration.
	Pace func(C) time.Duration
}

func (c Config[C]) withDefaults() Config[C] {
	if c.ProbeReads <= 0 {
		c.ProbeReads = 1
	}
	if c.ValidationReads <= 0 {
		c.ValidationReads = 5
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.MaxInitAttempts <= 0 {
		c.MaxInitAttempts = 5
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.RecoveryCooldown < 0 {
		c.RecoveryCooldown = 0
	} else if c.RecoveryCooldown == 0 {
		c.RecoveryCooldown = 5 * time.Second
	}
	if c.RecoveryPause < 0 {
		c.RecoveryPause = 0
	} else if c.RecoveryPause == 0 {
		c.RecoveryPause = time.Second
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 30
	}
	if c.TransientPause <= 0 {
		c.TransientPause = 100 * time.Millisecond
	}

	return c
}

// Backoff is the delay before the next initialization retry.
func Backoff(attempts, capMultiple int, unit time.Duration) time.Duration {
	m := capMultiple
	if attempts < 30 && 1<<attempts < capMultiple {
		m = 1 << attempts
	}
	return time.Duration(m) * unit
}
