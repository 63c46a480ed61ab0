// Package health aggregates component health reports and drives recovery.
package health

import (
	"context"
	"time"
)

type Status string

const (
	StatusHealthy    Status = "healthy"
	StatusWarning    Status = "warning"
	StatusCritical   Status = "critical"
	StatusFailed     Status = "failed"
	StatusRecovering Status = "recovering"
)

// Severity orders statuses for metrics: higher is worse.
func (s Status) Severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusRecovering:
		return 1
	case StatusWarning:
		return 2
	case StatusCritical:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}

func (s Status) Valid() bool {
	return s.Severity() >= 0
}

// RecoveryFunc tries to bring a component back and reports whether it worked.
type RecoveryFunc func(ctx context.Context) bool

type Component struct {
	Name             string         `json:"name"`
	Status           Status         `json:"status"`
	ErrorCount       int            `json:"error_count"`
	LastError        string         `json:"last_error,omitempty"`
	LastErrorAt      *time.Time     `json:"last_error_at,omitempty"`
	RegisteredAt     time.Time      `json:"registered_at"`
	LastReport       time.Time      `json:"last_report"`
	RecoveryAttempts int            `json:"recovery_attempts"`
	Recoverable      bool           `json:"recoverable"`
	Metrics          map[string]any `json:"metrics,omitempty"`
}

type SystemHealth struct {
	Overall           Status               `json:"overall"`
	Components        map[string]Component `json:"components"`
	GlobalErrorCount  int                  `json:"global_error_count"`
	LastCriticalError *time.Time           `json:"last_critical_error,omitempty"`
	Uptime            time.Duration        `json:"uptime"`
	CheckedAt         time.Time            `json:"checked_at"`
}

// Snapshot is one entry of the monitor history.
type Snapshot struct {
	Timestamp        time.Time         `json:"timestamp"`
	Overall          Status            `json:"overall"`
	ComponentCount   int               `json:"component_count"`
	GlobalErrorCount int               `json:"global_error_count"`
	Statuses         map[string]Status `json:"statuses"`
}

// Overall folds component statuses: any failed or critical component makes
// the system critical, any recovering one makes it warning, as does a
// majority of warnings.
func Overall(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusHealthy
	}

	var warnings int
	var recovering bool
	for _, s := range statuses {
		switch s {
		case StatusFailed, StatusCritical:
			return StatusCritical
		case StatusRecovering:
			recovering = true
		case StatusWarning:
			warnings++
		}
	}

	if recovering || warnings > len(statuses)/2 {
		return StatusWarning
	}

	return StatusHealthy
}
