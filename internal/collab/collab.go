// Package collab declares the narrow contracts of the engines the assistant
// delegates to: speech, vision and chat.
package collab

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnavailable = errors.New("collaborator unavailable")
	ErrRateLimited = errors.New("collaborator rate limited")
	ErrNoFrame     = errors.New("no frame available")
)

// Frame is one captured camera image.
type Frame struct {
	Seq        uint64    `json:"seq"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Format     string    `json:"format"`
	Data       []byte    `json:"-"`
	CapturedAt time.Time `json:"captured_at"`
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type FrameSource interface {
	CaptureFrame(ctx context.Context) (Frame, error)
}

// Completer answers a prompt given earlier conversation lines, oldest first.
type Completer interface {
	Complete(ctx context.Context, prompt string, history []string) (string, error)
}
