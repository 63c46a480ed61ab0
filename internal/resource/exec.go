package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nadmax/jarvis/internal/collab"
)

// pipeHandle reads fixed-size records from the stdout of a capture process.
type pipeHandle[S any] struct {
	name    string
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	size    int
	decode  func([]byte) S
	cancel  context.CancelFunc
	once    sync.Once
	// aborted is set once a read is abandoned mid-record; the stream is
	// misaligned from then on.
	aborted atomic.Bool
}

var errPipeAborted = errors.New("capture process stopped after cancelled read")

func startPipe[S any](name string, size int, decode func([]byte) S, args ...string) (*pipeHandle[S], error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", ErrUnavailable, name, err)
	}

	// the process outlives the probe context; Close ends it
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	return &pipeHandle[S]{
		name:   name,
		cmd:    cmd,
		stdout: stdout,
		size:   size,
		decode: decode,
		cancel: cancel,
	}, nil
}

func (h *pipeHandle[S]) Read(ctx context.Context) (S, error) {
	var zero S
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if h.aborted.Load() {
		return zero, fmt.Errorf("%s read: %w", h.name, errPipeAborted)
	}

	buf := make([]byte, h.size)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(h.stdout, buf)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return zero, fmt.Errorf("%s read: %w", h.name, err)
		}
		return h.decode(buf), nil
	case <-ctx.Done():
		// killing the process closes its stdout and ends the pending read
		h.aborted.Store(true)
		h.cancel()
		return zero, fmt.Errorf("%s read: %w", h.name, ctx.Err())
	}
}

func (h *pipeHandle[S]) Close() error {
	h.once.Do(func() {
		h.cancel()
		_ = h.cmd.Wait()
	})
	return nil
}

// ArecordProbe captures 16-bit PCM through ALSA's arecord.
type ArecordProbe struct{}

func (ArecordProbe) Open(_ context.Context, cfg AudioConfig) (Handle[[]byte], error) {
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	h, err := startPipe("arecord", cfg.ChunkBytes(), func(b []byte) []byte { return b },
		"-q",
		"-D", cfg.Device,
		"-f", "S16_LE",
		"-c", strconv.Itoa(channels),
		"-r", strconv.Itoa(cfg.SampleRate),
		"-t", "raw",
	)
	if err != nil {
		return nil, err
	}

	return h, nil
}

// FFmpegProbe captures raw RGB frames from a V4L2 device through ffmpeg.
type FFmpegProbe struct {
	// DevicePath formats a device index into a path. Defaults to /dev/videoN.
	DevicePath func(index int) string
}

func (p FFmpegProbe) Open(_ context.Context, cfg CameraConfig) (Handle[collab.Frame], error) {
	device := fmt.Sprintf("/dev/video%d", cfg.Device)
	if p.DevicePath != nil {
		device = p.DevicePath(cfg.Device)
	}
	if _, err := os.Stat(device); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no device at %s", device)
		}
		return nil, err
	}

	size := cfg.Width * cfg.Height * 3
	decode := func(b []byte) collab.Frame {
		return collab.Frame{Width: cfg.Width, Height: cfg.Height, Format: "rgb24", Data: b}
	}

	h, err := startPipe("ffmpeg", size, decode,
		"-loglevel", "error",
		"-f", "v4l2",
		"-framerate", strconv.Itoa(cfg.FPS),
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-i", device,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
	if err != nil {
		return nil, err
	}

	return h, nil
}
