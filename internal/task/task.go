// Package task defines the unit of work executed by the scheduler.
// It contains task metadata, status and priority definitions, submission specs
// and serialization helpers used by the mirror and persistence layers.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	Status   string
	Priority int

	// Payload is the deferred computation carried by a task. The scheduler never
	// inspects it; the context is cancelled on timeout, cancellation or shutdown.
	Payload func(ctx context.Context) (any, error)
)

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Lower values are dispatched first.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
	DefaultTimeout    = 30 * time.Second
)

var (
	ErrQueueClosed      = errors.New("task queue is closed")
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskNotCompleted = errors.New("task not completed")
	ErrTaskTimeout      = errors.New("task timed out")
	ErrTaskExecution    = errors.New("task execution failed")
	ErrTaskCancelled    = errors.New("task cancelled")
	ErrInvalidPriority  = errors.New("invalid task priority")
	ErrNilPayload       = errors.New("task payload is nil")
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority accepts the names returned by Priority.String.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		if p.String() == s {
			return p, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Spec describes a submission. Zero RetryDelay and Timeout fall back to the
// package defaults; MaxRetries is taken as given.
type Spec struct {
	Kind       string
	Payload    Payload
	Priority   Priority
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	OnSuccess  func(result any)
	OnError    func(err error)
}

// NewSpec returns a normal-priority spec with the default retry policy.
func NewSpec(kind string, payload Payload) Spec {
	return Spec{
		Kind:       kind,
		Payload:    payload,
		Priority:   PriorityNormal,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		Timeout:    DefaultTimeout,
	}
}

// Budget is the longest a task built from the spec can run across all of its
// attempts and the delays between them.
func (s Spec) Budget() time.Duration {
	retryDelay := s.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := max(s.MaxRetries, 0)

	return time.Duration(retries+1)*timeout + time.Duration(retries)*retryDelay
}

type Task struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxRetries  int           `json:"max_retries"`
	RetryDelay  time.Duration `json:"retry_delay"`
	Timeout     time.Duration `json:"timeout"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`

	// Seq orders tasks of equal priority. It is assigned once at submission and
	// kept across retries.
	Seq       uint64      `json:"-"`
	Err       error       `json:"-"`
	Payload   Payload     `json:"-"`
	OnSuccess func(any)   `json:"-"`
	OnError   func(error) `json:"-"`
}

func NewTask(spec Spec, seq uint64) (*Task, error) {
	if spec.Payload == nil {
		return nil, ErrNilPayload
	}
	if !spec.Priority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(spec.Priority))
	}
	if spec.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative: %d", spec.MaxRetries)
	}

	retryDelay := spec.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Task{
		ID:         uuid.New().String(),
		Kind:       spec.Kind,
		Priority:   spec.Priority,
		Status:     StatusPending,
		MaxRetries: spec.MaxRetries,
		RetryDelay: retryDelay,
		Timeout:    timeout,
		CreatedAt:  time.Now(),
		Seq:        seq,
		Payload:    spec.Payload,
		OnSuccess:  spec.OnSuccess,
		OnError:    spec.OnError,
	}, nil
}

// Less reports whether t is dispatched before other.
func (t *Task) Less(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority < other.Priority
	}
	if t.Seq != other.Seq {
		return t.Seq < other.Seq
	}

	return t.ID < other.ID
}

// CanRetry reports whether another attempt fits in the retry budget.
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxRetries+1
}

// Snapshot returns a read-only copy without the payload and callbacks.
func (t *Task) Snapshot() Task {
	cp := *t
	cp.Payload = nil
	cp.OnSuccess = nil
	cp.OnError = nil
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}

	return cp
}

// Duration is the wall time of the last attempt, zero while unknown.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}

	return t.CompletedAt.Sub(*t.StartedAt)
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
