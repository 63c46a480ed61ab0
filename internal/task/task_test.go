package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) (any, error) { return nil, nil }

func TestNewTask(t *testing.T) {
	spec := NewSpec("voice-command", noop)

	tsk, err := NewTask(spec, 7)
	require.NoError(t, err)

	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, "voice-command", tsk.Kind)
	assert.Equal(t, PriorityNormal, tsk.Priority)
	assert.Equal(t, StatusPending, tsk.Status)
	assert.Equal(t, DefaultMaxRetries, tsk.MaxRetries)
	assert.Equal(t, 0, tsk.Attempts)
	assert.Equal(t, uint64(7), tsk.Seq)
	assert.False(t, tsk.CreatedAt.IsZero())
	assert.Nil(t, tsk.StartedAt)
	assert.Nil(t, tsk.CompletedAt)
}

func TestNewTask_Defaults(t *testing.T) {
	tsk, err := NewTask(Spec{Kind: "cleanup", Payload: noop, Priority: PriorityBackground}, 1)
	require.NoError(t, err)

	assert.Equal(t, 0, tsk.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, tsk.RetryDelay)
	assert.Equal(t, DefaultTimeout, tsk.Timeout)
}

func TestNewTask_ContractViolations(t *testing.T) {
	_, err := NewTask(Spec{Kind: "x"}, 1)
	assert.ErrorIs(t, err, ErrNilPayload)

	_, err = NewTask(Spec{Kind: "x", Payload: noop, Priority: Priority(9)}, 1)
	assert.ErrorIs(t, err, ErrInvalidPriority)

	_, err = NewTask(Spec{Kind: "x", Payload: noop, MaxRetries: -1}, 1)
	assert.Error(t, err)
}

func TestSpecBudget(t *testing.T) {
	spec := NewSpec("cmd", noop)
	spec.MaxRetries = 1
	spec.Timeout = 2 * time.Second
	spec.RetryDelay = 500 * time.Millisecond
	assert.Equal(t, 4500*time.Millisecond, spec.Budget())

	spec.MaxRetries = 0
	assert.Equal(t, 2*time.Second, spec.Budget())

	assert.Equal(t, DefaultTimeout, Spec{}.Budget())
}

func TestLess(t *testing.T) {
	low, _ := NewTask(Spec{Kind: "low", Payload: noop, Priority: PriorityLow}, 1)
	high, _ := NewTask(Spec{Kind: "high", Payload: noop, Priority: PriorityHigh}, 2)
	first, _ := NewTask(Spec{Kind: "a", Payload: noop, Priority: PriorityNormal}, 3)
	second, _ := NewTask(Spec{Kind: "b", Payload: noop, Priority: PriorityNormal}, 4)

	assert.True(t, high.Less(low))
	assert.False(t, low.Less(high))
	assert.True(t, first.Less(second))
	assert.False(t, second.Less(first))
	assert.False(t, first.Less(first))
}

func TestCanRetry(t *testing.T) {
	tsk, _ := NewTask(Spec{Kind: "x", Payload: noop, MaxRetries: 2}, 1)

	for attempts, want := range []bool{true, true, true, false} {
		tsk.Attempts = attempts
		assert.Equal(t, want, tsk.CanRetry(), "attempts=%d", attempts)
	}
}

func TestSnapshot(t *testing.T) {
	tsk, _ := NewTask(NewSpec("x", noop), 1)
	now := time.Now()
	tsk.StartedAt = &now

	snap := tsk.Snapshot()

	assert.Nil(t, snap.Payload)
	assert.Equal(t, tsk.ID, snap.ID)
	require.NotNil(t, snap.StartedAt)
	assert.NotSame(t, tsk.StartedAt, snap.StartedAt)
}

func TestTaskJSONRoundTrip(t *testing.T) {
	now := time.Now()
	original := &Task{
		ID:          "task-123",
		Kind:        "photo-capture",
		Priority:    PriorityHigh,
		Status:      StatusFailed,
		Attempts:    2,
		MaxRetries:  1,
		CreatedAt:   now,
		StartedAt:   &now,
		CompletedAt: &now,
		Error:       "camera unavailable",
	}

	data, err := original.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, data, "photo-capture")

	restored, err := TaskFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Priority, restored.Priority)
	assert.Equal(t, original.Status, restored.Status)
	assert.Equal(t, original.Attempts, restored.Attempts)
	assert.Equal(t, original.Error, restored.Error)
}

func TestTaskFromJSON_InvalidJSON(t *testing.T) {
	_, err := TaskFromJSON("invalid json")
	assert.Error(t, err)
}

func TestPriorityStrings(t *testing.T) {
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	_, err := ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrInvalidPriority)
	assert.False(t, Priority(-1).Valid())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusRetrying.Terminal())
}
