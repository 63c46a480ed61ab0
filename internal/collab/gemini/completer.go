// Package gemini implements collab.Completer on top of the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nadmax/jarvis/internal/collab"
	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

// ErrInvalidConfig is returned by New for missing settings.
var ErrInvalidConfig = errors.New("invalid gemini configuration")

type Config struct {
	APIKey string
	Model  string
	// Persona is prepended to every prompt.
	Persona string
}

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Completer struct {
	models  generator
	model   string
	persona string
	logger  *slog.Logger
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Completer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}

	return newCompleter(client.Models, cfg, logger), nil
}

func newCompleter(models generator, cfg Config, logger *slog.Logger) *Completer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Completer{
		models:  models,
		model:   cfg.Model,
		persona: cfg.Persona,
		logger:  logger.With("component", "gemini"),
	}
}

// Complete sends the prompt with the conversation history folded in. Quota
// errors map to collab.ErrRateLimited, everything else to collab.ErrUnavailable.
func (c *Completer) Complete(ctx context.Context, prompt string, history []string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt cannot be empty")
	}

	c.logger.DebugContext(ctx, "Making Gemini API call", "model", c.model, "history", len(history))

	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(c.buildPrompt(prompt, history)), nil)
	if err != nil {
		return "", c.classify(ctx, err)
	}

	text := responseText(resp)
	if text == "" {
		c.logger.WarnContext(ctx, "Gemini returned no content")
		return "", fmt.Errorf("%w: empty response", collab.ErrUnavailable)
	}

	return text, nil
}

func (c *Completer) buildPrompt(prompt string, history []string) string {
	var b strings.Builder
	if c.persona != "" {
		b.WriteString(c.persona)
		b.WriteString("\n\n")
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, line := range history {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(prompt)

	return b.String()
}

func (c *Completer) classify(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		c.logger.WarnContext(ctx, "Gemini rate limit hit", "error", err)
		return fmt.Errorf("%w: %v", collab.ErrRateLimited, err)
	}

	c.logger.ErrorContext(ctx, "Gemini API call error", "error", err)
	return fmt.Errorf("%w: %v", collab.ErrUnavailable, err)
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}

	return strings.TrimSpace(b.String())
}
