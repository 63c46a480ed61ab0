package resource

import (
	"context"
	"fmt"
	"sync"
)

var (
	DefaultSampleRates = []int{16000, 44100, 22050, 8000}
	DefaultChunkSizes  = []int{1024, 2048, 512, 4096}
)

type AudioConfig struct {
	Device     string `json:"device"`
	SampleRate int    `json:"sample_rate"`
	ChunkSize  int    `json:"chunk_size"`
	Channels   int    `json:"channels"`
}

func (c AudioConfig) String() string {
	return fmt.Sprintf("%s %dHz chunk=%d ch=%d", c.Device, c.SampleRate, c.ChunkSize, c.Channels)
}

// ChunkBytes is the size of one 16-bit PCM chunk.
func (c AudioConfig) ChunkBytes() int {
	ch := c.Channels
	if ch <= 0 {
		ch = 1
	}
	return c.ChunkSize * ch * 2
}

// AudioCandidates lists every rate and chunk size pair, rates varying slowest.
func AudioCandidates(device string, channels int, rates, chunks []int) []AudioConfig {
	out := make([]AudioConfig, 0, len(rates)*len(chunks))
	for _, rate := range rates {
		for _, chunk := range chunks {
			out = append(out, AudioConfig{Device: device, SampleRate: rate, ChunkSize: chunk, Channels: channels})
		}
	}
	return out
}

// AudioManager captures raw PCM chunks from one input device.
type AudioManager struct {
	*Manager[AudioConfig, []byte]
}

func NewAudioManager(cfg Config[AudioConfig], probe Probe[AudioConfig, []byte], deps Deps) *AudioManager {
	if cfg.Name == "" {
		cfg.Name = "audio"
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = AudioCandidates("default", 1, DefaultSampleRates, DefaultChunkSizes)
	}

	return &AudioManager{Manager: NewManager(cfg, probe, deps)}
}

// GroupUtterances installs a consumer that concatenates every n chunks into
// one utterance and hands it to emit.
func (a *AudioManager) GroupUtterances(n int, emit func(ctx context.Context, audio []byte)) {
	g := &utteranceGrouper{size: n, emit: emit}
	a.SetConsumer(g.add)
}

type utteranceGrouper struct {
	mu     sync.Mutex
	size   int
	chunks int
	buf    []byte
	emit   func(ctx context.Context, audio []byte)
}

func (g *utteranceGrouper) add(ctx context.Context, s Sample[[]byte]) {
	g.mu.Lock()
	g.buf = append(g.buf, s.Value...)
	g.chunks++
	if g.chunks < g.size {
		g.mu.Unlock()
		return
	}
	utterance := g.buf
	g.buf = nil
	g.chunks = 0
	g.mu.Unlock()

	g.emit(ctx, utterance)
}
