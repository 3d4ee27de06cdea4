// Package timeline schedules decoded audio segments for gapless playback.
//
// A Timeline owns the playback cursor for one session. Segments are scheduled
// in arrival order at max(device now, cursor), so they never overlap; a chunk
// that arrives after its slot has passed plays immediately and leaves an
// audible gap instead of being reordered or dropped.
package timeline

import (
	"io"
	"sync"
	"time"

	"github.com/amo-tech-ai/startupai-live/pkg/live/pcm"
)

// OutputSampleRate is the emission format of the remote endpoint: 24 kHz mono.
const OutputSampleRate = 24000

// Segment is one scheduled, playable unit on the output timeline.
type Segment struct {
	start   int64 // sample offset on the device timeline
	samples []int16

	mu      sync.Mutex
	stopped bool
}

// Stop forcibly silences the segment. Any un-rendered remainder plays as
// silence. Safe to call more than once.
func (s *Segment) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Segment) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Start returns the segment's start offset on the device timeline.
func (s *Segment) Start() time.Duration {
	return samplesToDuration(s.start, OutputSampleRate)
}

// Duration returns the segment's playback length.
func (s *Segment) Duration() time.Duration {
	return samplesToDuration(int64(len(s.samples)), OutputSampleRate)
}

// Timeline tracks the playback cursor and the set of scheduled-but-unfinished
// segments, and renders them to the output device.
//
// It implements io.Reader producing PCM16LE for the speaker; the read position
// is the device clock. Schedule and Read may run on different goroutines.
type Timeline struct {
	rate int

	mu       sync.Mutex
	pos      int64 // samples handed to the device so far
	cursor   int64 // next free slot on the timeline, in samples
	segments []*Segment

	// now overrides the device clock in tests; nil means the render position.
	now func() int64
}

// New returns a Timeline rendering at OutputSampleRate.
func New() *Timeline {
	return &Timeline{rate: OutputSampleRate}
}

func newWithClock(now func() int64) *Timeline {
	return &Timeline{rate: OutputSampleRate, now: now}
}

func (t *Timeline) deviceNowLocked() int64 {
	if t.now != nil {
		return t.now()
	}
	return t.pos
}

// Schedule places a decoded mono sample buffer at max(device now, cursor) and
// advances the cursor past it. The returned segment is tracked until playback
// finishes naturally or it is stopped.
func (t *Timeline) Schedule(samples []float32) *Segment {
	quantized := pcm.Quantize(samples)

	t.mu.Lock()
	defer t.mu.Unlock()

	startAt := t.cursor
	if now := t.deviceNowLocked(); now > startAt {
		startAt = now
	}
	seg := &Segment{start: startAt, samples: quantized}
	t.cursor = startAt + int64(len(quantized))
	t.segments = append(t.segments, seg)
	return seg
}

// Cursor returns the timeline position of the next scheduled segment.
func (t *Timeline) Cursor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return samplesToDuration(t.cursor, t.rate)
}

// ActiveSegments returns how many scheduled segments have not yet finished.
func (t *Timeline) ActiveSegments() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	return len(t.segments)
}

// CancelAll forcibly stops every tracked segment, clears the tracking set and
// resets the cursor so a subsequent session starts clean.
func (t *Timeline) CancelAll() {
	t.mu.Lock()
	segs := t.segments
	t.segments = nil
	t.cursor = 0
	t.mu.Unlock()

	for _, seg := range segs {
		seg.Stop()
	}
}

// Read renders the next len(p)/2 samples of the timeline as PCM16LE. Regions
// with no scheduled audio render as silence; Read never blocks and never
// returns io.EOF, so the device keeps pulling while the session is idle.
func (t *Timeline) Read(p []byte) (int, error) {
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}
	for i := range p {
		p[i] = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	from, to := t.pos, t.pos+int64(n)
	for _, seg := range t.segments {
		if seg.isStopped() {
			continue
		}
		segEnd := seg.start + int64(len(seg.samples))
		lo, hi := seg.start, segEnd
		if lo < from {
			lo = from
		}
		if hi > to {
			hi = to
		}
		for s := lo; s < hi; s++ {
			v := seg.samples[s-seg.start]
			off := (s - from) * 2
			p[off] = byte(v)
			p[off+1] = byte(v >> 8)
		}
	}
	t.pos = to
	t.pruneLocked()
	return n * 2, nil
}

// pruneLocked drops segments that finished or were stopped.
func (t *Timeline) pruneLocked() {
	now := t.deviceNowLocked()
	kept := t.segments[:0]
	for _, seg := range t.segments {
		if seg.isStopped() {
			continue
		}
		if seg.start+int64(len(seg.samples)) <= now {
			continue
		}
		kept = append(kept, seg)
	}
	t.segments = kept
}

func samplesToDuration(samples int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

var _ io.Reader = (*Timeline)(nil)
