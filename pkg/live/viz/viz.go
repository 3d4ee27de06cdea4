// Package viz drives a level-meter renderer off the capture tap.
package viz

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/amo-tech-ai/startupai-live/pkg/live/capture"
)

// Renderer consumes one visualization frame. Level is the RMS of the most
// recent capture window in [0, 1]; Samples is valid only for the duration of
// the call.
type Renderer interface {
	RenderFrame(level float64, samples []float32)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(level float64, samples []float32)

func (f RendererFunc) RenderFrame(level float64, samples []float32) { f(level, samples) }

// Config configures a visualization Loop.
type Config struct {
	Tap      *capture.Tap
	Renderer Renderer

	// Interval between frames. Defaults to 50ms.
	Interval time.Duration
	// Window is how many tap samples feed each frame. Defaults to 2048.
	Window int
}

// Loop repeatedly snapshots the tap and hands an RMS level to the renderer.
// Each tick re-arms the next one, so stopping the loop stops the chain
// immediately; no frame is rendered after Stop returns.
type Loop struct {
	cfg Config

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	window  []float32
}

// NewLoop validates cfg and returns a stopped Loop.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Tap == nil {
		return nil, errors.New("viz loop: tap is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("viz loop: renderer is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.Window <= 0 {
		cfg.Window = 2048
	}
	return &Loop{cfg: cfg, window: make([]float32, cfg.Window)}, nil
}

// Start begins rendering. Calling Start on a running loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.timer = time.AfterFunc(l.cfg.Interval, l.tick)
}

// Stop halts rendering. Idempotent; after Stop returns no further frame is
// rendered until Start is called again.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// tick renders one frame and re-arms the timer. Rendering happens under the
// loop mutex, so Stop does not return while a frame is in flight and no frame
// starts after it returns. Renderers must not call back into the loop.
func (l *Loop) tick() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	n := l.cfg.Tap.Snapshot(l.window)
	samples := l.window[:n]
	l.cfg.Renderer.RenderFrame(RMS(samples), samples)
	l.timer = time.AfterFunc(l.cfg.Interval, l.tick)
}

// RMS returns the root mean square of samples, 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
