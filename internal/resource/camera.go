package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/nadmax/jarvis/internal/collab"
)

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

var (
	DefaultCameraDevices = []int{0, 1, 2}
	DefaultResolutions   = []Resolution{{640, 480}, {1280, 720}, {320, 240}, {800, 600}}
	DefaultFrameRates    = []int{30, 15, 10, 5}
)

type CameraConfig struct {
	Device int `json:"device"`
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

func (c CameraConfig) String() string {
	return fmt.Sprintf("camera%d %dx%d@%d", c.Device, c.Width, c.Height, c.FPS)
}

// FrameInterval is the read spacing that holds the target frame rate.
func (c CameraConfig) FrameInterval() time.Duration {
	if c.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FPS)
}

// CameraCandidates lists devices, then resolutions, then frame rates.
func CameraCandidates(devices []int, resolutions []Resolution, rates []int) []CameraConfig {
	out := make([]CameraConfig, 0, len(devices)*len(resolutions)*len(rates))
	for _, d := range devices {
		for _, r := range resolutions {
			for _, fps := range rates {
				out = append(out, CameraConfig{Device: d, Width: r.Width, Height: r.Height, FPS: fps})
			}
		}
	}
	return out
}

// CameraManager captures frames from one video device and serves them as a
// collab.FrameSource.
type CameraManager struct {
	*Manager[CameraConfig, collab.Frame]
	maxAge time.Duration
}

func NewCameraManager(cfg Config[CameraConfig], probe Probe[CameraConfig, collab.Frame], maxAge time.Duration, deps Deps) *CameraManager {
	if cfg.Name == "" {
		cfg.Name = "camera"
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = CameraCandidates(DefaultCameraDevices, DefaultResolutions, DefaultFrameRates)
	}
	if cfg.Pace == nil {
		cfg.Pace = CameraConfig.FrameInterval
	}
	if maxAge <= 0 {
		maxAge = time.Second
	}

	return &CameraManager{
		Manager: NewManager(cfg, probe, deps),
		maxAge:  maxAge,
	}
}

// CaptureFrame returns the newest frame if it is recent enough.
func (c *CameraManager) CaptureFrame(context.Context) (collab.Frame, error) {
	s, err := c.Fresh(c.maxAge)
	if err != nil {
		return collab.Frame{}, collab.ErrNoFrame
	}

	f := s.Value
	f.Seq = s.Seq
	f.CapturedAt = s.At

	return f, nil
}

// ActualFPS is the measured capture rate.
func (c *CameraManager) ActualFPS() float64 {
	return c.Status().Stats.Rate
}
