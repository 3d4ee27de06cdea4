package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"log/slog"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/amo-tech-ai/startupai-live/pkg/live/metrics"
	"github.com/amo-tech-ai/startupai-live/pkg/live/transport"
)

// DisplaySource grabs one frame of the local display.
type DisplaySource interface {
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}

// CasterConfig configures a display Caster.
type CasterConfig struct {
	Source DisplaySource
	Sink   Sender

	// Interval between frames. Defaults to one second.
	Interval time.Duration
	// JPEGQuality in [1,100]. Defaults to 70.
	JPEGQuality int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Caster periodically grabs the display, downscales it to half dimensions,
// encodes it as JPEG and forwards it to the sink. A failed grab or encode
// drops that frame; casting continues.
type Caster struct {
	cfg CasterConfig
}

// NewCaster validates cfg and returns a Caster.
func NewCaster(cfg CasterConfig) (*Caster, error) {
	if cfg.Source == nil {
		return nil, errors.New("caster: display source is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("caster: sink is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 70
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Caster{cfg: cfg}, nil
}

// Run casts frames until ctx is canceled.
func (c *Caster) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, err := c.cfg.Source.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.cfg.Metrics.IncFramesDropped()
			c.cfg.Logger.Warn("display grab failed, dropping frame", "err", err)
			continue
		}

		payload, err := encodeFrame(frame, c.cfg.JPEGQuality)
		if err != nil {
			c.cfg.Metrics.IncFramesDropped()
			c.cfg.Logger.Warn("frame encode failed, dropping frame", "err", err)
			continue
		}

		if err := c.cfg.Sink.Send(transport.MediaImage, payload); err != nil {
			if errors.Is(err, transport.ErrSessionClosed) || ctx.Err() != nil {
				return nil
			}
			c.cfg.Metrics.IncFramesDropped()
			c.cfg.Logger.Warn("frame send failed, dropping frame", "err", err)
		}
	}
}

// encodeFrame downscales img to half its dimensions and JPEG-encodes it.
func encodeFrame(img image.Image, quality int) ([]byte, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx()/2, bounds.Dy()/2
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	scaled := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
