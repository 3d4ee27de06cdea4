// Package metrics exposes pipeline counters for the live session engine.
// A nil *Metrics disables collection; every method is nil-safe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	audioChunksSent    prometheus.Counter
	audioChunksDropped prometheus.Counter
	framesSent         prometheus.Counter
	framesDropped      prometheus.Counter
	decodeErrors       prometheus.Counter
	lateChunks         prometheus.Counter
	segmentsScheduled  prometheus.Counter
}

func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "live",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		audioChunksSent:    counter("audio_chunks_sent_total", "Outbound audio chunks handed to the transport."),
		audioChunksDropped: counter("audio_chunks_dropped_total", "Outbound audio chunks dropped by back-pressure."),
		framesSent:         counter("video_frames_sent_total", "Outbound video frames handed to the transport."),
		framesDropped:      counter("video_frames_dropped_total", "Video frames dropped by capture, encode or back-pressure."),
		decodeErrors:       counter("inbound_decode_errors_total", "Inbound audio payloads skipped as malformed."),
		lateChunks:         counter("late_inbound_chunks_total", "Inbound chunks scheduled past their timeline slot."),
		segmentsScheduled:  counter("output_segments_scheduled_total", "Segments placed on the playback timeline."),
	}
}

// Register registers all counters with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil || reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.audioChunksSent, m.audioChunksDropped,
		m.framesSent, m.framesDropped,
		m.decodeErrors, m.lateChunks, m.segmentsScheduled,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) IncAudioChunksSent() {
	if m != nil {
		m.audioChunksSent.Inc()
	}
}

func (m *Metrics) IncAudioChunksDropped() {
	if m != nil {
		m.audioChunksDropped.Inc()
	}
}

func (m *Metrics) IncFramesSent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) IncFramesDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) IncDecodeErrors() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) IncLateChunks() {
	if m != nil {
		m.lateChunks.Inc()
	}
}

func (m *Metrics) IncSegmentsScheduled() {
	if m != nil {
		m.segmentsScheduled.Inc()
	}
}
