package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/amo-tech-ai/startupai-live/pkg/live/capture"
)

// Display grabs frames of the local screen by running ffmpeg once per frame.
// At the 1 Hz cast cadence a short-lived process per grab is simpler and more
// robust than keeping a pipeline open.
type Display struct{}

// OpenDisplay verifies ffmpeg is available and the platform is supported.
func OpenDisplay() (*Display, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for display capture (install ffmpeg and ensure it is in PATH)")
	}
	if _, err := displayGrabArgs(runtime.GOOS); err != nil {
		return nil, err
	}
	return &Display{}, nil
}

func displayGrabArgs(goos string) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-framerate", "30", "-i", "Capture screen 0",
			"-frames:v", "1",
			"-f", "image2pipe", "-c:v", "mjpeg", "-",
		}, nil
	case "linux":
		display := os.Getenv("DISPLAY")
		if display == "" {
			display = ":0"
		}
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "x11grab", "-i", display,
			"-frames:v", "1",
			"-f", "image2pipe", "-c:v", "mjpeg", "-",
		}, nil
	default:
		return nil, fmt.Errorf("display capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

// Capture grabs one frame.
func (d *Display) Capture(ctx context.Context) (image.Image, error) {
	args, err := displayGrabArgs(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("grab display frame: %w", err)
	}
	img, err := jpeg.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("decode display frame: %w", err)
	}
	return img, nil
}

func (d *Display) Close() error { return nil }

var _ capture.DisplaySource = (*Display)(nil)
