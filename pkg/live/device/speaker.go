package device

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/amo-tech-ai/startupai-live/pkg/live/timeline"
)

// The oto context can be created once per process, so it is shared across
// sessions.
var otoCtx struct {
	once sync.Once
	ctx  *oto.Context
	err  error
}

// Speaker renders 24 kHz mono PCM16LE pulled from a reader.
type Speaker struct {
	player *oto.Player
}

// OpenSpeaker starts playback pulling from src, typically the session's
// playback timeline.
func OpenSpeaker(src io.Reader) (*Speaker, error) {
	otoCtx.once.Do(func() {
		opts := &oto.NewContextOptions{
			SampleRate:   timeline.OutputSampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			// ~100ms buffer keeps latency low without glitching.
			BufferSize: 100 * time.Millisecond,
		}
		ctx, ready, err := oto.NewContext(opts)
		if err != nil {
			otoCtx.err = err
			return
		}
		<-ready
		otoCtx.ctx = ctx
	})
	if otoCtx.err != nil {
		return nil, fmt.Errorf("init speaker: %w", otoCtx.err)
	}

	player := otoCtx.ctx.NewPlayer(src)
	player.Play()
	return &Speaker{player: player}, nil
}

// Close stops playback. The shared audio context stays alive for the next
// session.
func (s *Speaker) Close() error {
	if s == nil || s.player == nil {
		return nil
	}
	return s.player.Close()
}
