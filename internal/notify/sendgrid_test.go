package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/jarvis/internal/health"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []*mail.SGMailV3
	status map[string]int
	err    error
}

func (f *fakeSender) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, email)
	if f.err != nil {
		return nil, f.err
	}

	status := 202
	if code, ok := f.status[email.Personalizations[0].To[0].Address]; ok {
		status = code
	}

	return &rest.Response{StatusCode: status}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func criticalHealth() health.SystemHealth {
	return health.SystemHealth{
		Overall: health.StatusCritical,
		Components: map[string]health.Component{
			"audio":  {Name: "audio", Status: health.StatusHealthy},
			"camera": {Name: "camera", Status: health.StatusFailed, ErrorCount: 6, RecoveryAttempts: 3, LastError: "device lost"},
			"chat":   {Name: "chat", Status: health.StatusWarning, ErrorCount: 1},
		},
		GlobalErrorCount: 7,
		Uptime:           90 * time.Minute,
		CheckedAt:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewWithSender_Validation(t *testing.T) {
	_, err := NewWithSender(&fakeSender{}, Config{To: []string{"ops@example.com"}}, testLogger())
	assert.Error(t, err)

	_, err = NewWithSender(&fakeSender{}, Config{FromAddress: "jarvis@example.com"}, testLogger())
	assert.Error(t, err)

	_, err = NewSendGridNotifier(Config{FromAddress: "jarvis@example.com", To: []string{"ops@example.com"}}, testLogger())
	assert.Error(t, err)
}

func TestNotifyCritical(t *testing.T) {
	sender := &fakeSender{}
	n, err := NewWithSender(sender, Config{
		FromName:    "Jarvis",
		FromAddress: "jarvis@example.com",
		To:          []string{"ops@example.com", "oncall@example.com"},
	}, testLogger())
	require.NoError(t, err)

	require.NoError(t, n.NotifyCritical(context.Background(), criticalHealth()))

	require.Len(t, sender.sent, 2)
	email := sender.sent[0]
	assert.Equal(t, "[jarvis] system health critical", email.Subject)
	assert.Equal(t, "jarvis@example.com", email.From.Address)
	assert.Equal(t, "ops@example.com", email.Personalizations[0].To[0].Address)
	assert.Equal(t, "oncall@example.com", sender.sent[1].Personalizations[0].To[0].Address)

	require.NotEmpty(t, email.Content)
	body := email.Content[0].Value
	assert.Contains(t, body, "camera: failed")
	assert.Contains(t, body, "device lost")
	assert.Contains(t, body, "chat: warning")
	assert.NotContains(t, body, "audio:")
	assert.Less(t, strings.Index(body, "camera"), strings.Index(body, "chat"))
}

func TestNotifyCritical_Errors(t *testing.T) {
	t.Run("transport error", func(t *testing.T) {
		sender := &fakeSender{err: errors.New("connection refused")}
		n, err := NewWithSender(sender, Config{FromAddress: "jarvis@example.com", To: []string{"ops@example.com"}}, testLogger())
		require.NoError(t, err)

		err = n.NotifyCritical(context.Background(), criticalHealth())
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("api error keeps sending", func(t *testing.T) {
		sender := &fakeSender{status: map[string]int{"ops@example.com": 401}}
		n, err := NewWithSender(sender, Config{
			FromAddress: "jarvis@example.com",
			To:          []string{"ops@example.com", "oncall@example.com"},
		}, testLogger())
		require.NoError(t, err)

		err = n.NotifyCritical(context.Background(), criticalHealth())
		assert.ErrorContains(t, err, "status 401")
		assert.Len(t, sender.sent, 2)
	})
}
