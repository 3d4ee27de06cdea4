// Package capture moves local media into the transport: microphone samples in
// fixed-size chunks and periodic display frames.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/amo-tech-ai/startupai-live/pkg/live/pcm"
	"github.com/amo-tech-ai/startupai-live/pkg/live/transport"
)

const (
	// InputSampleRate is the microphone capture rate.
	InputSampleRate = 16000
	// ChunkSamples is the number of samples per outbound audio chunk.
	ChunkSamples = 4096
)

// Sender is the outbound half of a transport session.
type Sender interface {
	Send(kind transport.MediaKind, payload []byte) error
}

// Source yields mono float32 samples in [-1, 1] at InputSampleRate. Read
// blocks until samples are available; Close unblocks a pending Read.
type Source interface {
	Read(p []float32) (int, error)
	Close() error
}

// Tap retains the most recent capture samples for visualization. Push and
// Snapshot may run on different goroutines; neither blocks on the other for
// longer than a copy.
type Tap struct {
	mu  sync.Mutex
	buf []float32
	n   int // valid samples, grows until the buffer is warm
}

// NewTap returns a tap retaining the last size samples.
func NewTap(size int) *Tap {
	if size <= 0 {
		size = ChunkSamples
	}
	return &Tap{buf: make([]float32, size)}
}

// Push appends samples, discarding the oldest beyond the tap's capacity.
func (t *Tap) Push(samples []float32) {
	if t == nil || len(samples) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(samples) >= len(t.buf) {
		copy(t.buf, samples[len(samples)-len(t.buf):])
		t.n = len(t.buf)
		return
	}
	if t.n+len(samples) > len(t.buf) {
		shift := t.n + len(samples) - len(t.buf)
		copy(t.buf, t.buf[shift:t.n])
		t.n -= shift
	}
	copy(t.buf[t.n:], samples)
	t.n += len(samples)
}

// Snapshot copies the newest samples into dst, newest last, and reports how
// many were copied.
func (t *Tap) Snapshot(dst []float32) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.n
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, t.buf[t.n-n:t.n])
	return n
}

// PumpConfig configures a microphone Pump.
type PumpConfig struct {
	Source Source
	Sink   Sender

	// Tap, when set, observes every chunk before it is quantized.
	Tap *Tap
	// ChunkSamples overrides the outbound chunk size. Defaults to ChunkSamples.
	ChunkSamples int

	Logger *slog.Logger
}

// Pump reads the capture source in fixed-size windows and forwards each
// window to the sink as a PCM16LE audio chunk.
type Pump struct {
	cfg PumpConfig
}

// NewPump validates cfg and returns a Pump.
func NewPump(cfg PumpConfig) (*Pump, error) {
	if cfg.Source == nil {
		return nil, errors.New("capture pump: source is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("capture pump: sink is required")
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = ChunkSamples
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pump{cfg: cfg}, nil
}

// Run pumps until ctx is canceled or the source fails. Closing the source
// unblocks a pending read; a source error after cancellation is not reported.
func (p *Pump) Run(ctx context.Context) error {
	window := make([]float32, p.cfg.ChunkSamples)
	filled := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, err := p.cfg.Source.Read(window[filled:])
		filled += n
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture pump: read source: %w", err)
		}
		if filled < len(window) {
			continue
		}
		filled = 0

		p.cfg.Tap.Push(window)
		payload := pcm.Int16Bytes(pcm.Quantize(window))
		if err := p.cfg.Sink.Send(transport.MediaAudio, payload); err != nil {
			if errors.Is(err, transport.ErrSessionClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture pump: send chunk: %w", err)
		}
	}
}
