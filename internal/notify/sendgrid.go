// Package notify sends operator alerts by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nadmax/jarvis/internal/health"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Sender is the part of the SendGrid client the notifier uses.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type Config struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          []string
}

type SendGridNotifier struct {
	sender Sender
	from   *mail.Email
	to     []string
	logger *slog.Logger
}

func NewSendGridNotifier(cfg Config, logger *slog.Logger) (*SendGridNotifier, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing sendgrid api key")
	}

	return NewWithSender(sendgrid.NewSendClient(cfg.APIKey), cfg, logger)
}

func NewWithSender(sender Sender, cfg Config, logger *slog.Logger) (*SendGridNotifier, error) {
	if cfg.FromAddress == "" {
		return nil, errors.New("missing 'from' address")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("missing 'to' addresses")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SendGridNotifier{
		sender: sender,
		from:   mail.NewEmail(cfg.FromName, cfg.FromAddress),
		to:     cfg.To,
		logger: logger.With("component", "sendgrid_notifier"),
	}, nil
}

// NotifyCritical mails a summary of the unhealthy components to every recipient.
func (n *SendGridNotifier) NotifyCritical(ctx context.Context, h health.SystemHealth) error {
	subject := fmt.Sprintf("[jarvis] system health %s", h.Overall)
	body := criticalBody(h)

	var errs []error
	for _, to := range n.to {
		email := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", to), body, "")
		response, err := n.sender.SendWithContext(ctx, email)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to send email to %s: %w", to, err))
			continue
		}
		if response.StatusCode >= 400 {
			errs = append(errs, fmt.Errorf("sendgrid error for %s: status %d", to, response.StatusCode))
			continue
		}

		n.logger.Info("health alert sent", "to", to, "status", response.StatusCode)
	}

	return errors.Join(errs...)
}

func criticalBody(h health.SystemHealth) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Overall status: %s\n", h.Overall)
	fmt.Fprintf(&b, "Checked at: %s\n", h.CheckedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Uptime: %s\n", h.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "Errors since start: %d\n\n", h.GlobalErrorCount)

	names := make([]string, 0, len(h.Components))
	for name, c := range h.Components {
		if c.Status != health.StatusHealthy {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	for _, name := range names {
		c := h.Components[name]
		fmt.Fprintf(&b, "- %s: %s (errors: %d, recovery attempts: %d)", name, c.Status, c.ErrorCount, c.RecoveryAttempts)
		if c.LastError != "" {
			fmt.Fprintf(&b, " last error: %s", c.LastError)
		}
		b.WriteString("\n")
	}

	return b.String()
}
