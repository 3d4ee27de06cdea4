// Package transport owns the bidirectional stream to the remote live
// endpoint. It multiplexes two outbound media kinds (audio, image) over one
// websocket with strict per-kind ordering, and surfaces inbound traffic and
// lifecycle changes as typed events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amo-tech-ai/startupai-live/pkg/live/metrics"
	"github.com/amo-tech-ai/startupai-live/pkg/live/pcm"
	"github.com/amo-tech-ai/startupai-live/pkg/live/protocol"
)

// MediaKind tags an outbound payload.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaImage MediaKind = "image"
)

const inboundSampleRate = 24000

// ErrSessionClosed is returned by Send after the session has closed.
var ErrSessionClosed = errors.New("live transport session is closed")

// ConnectionError reports a transport-level failure: dial, handshake or a
// dropped stream.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("live transport %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Event is an inbound or lifecycle notification from the session. The
// lifecycle callbacks of the wire API (open/message/error/close) are
// re-expressed as these explicit values so the session controller's state
// machine can consume them from one channel.
type Event interface {
	eventType() string
}

// OpenedEvent fires once the endpoint has acknowledged setup and the
// bidirectional channel is ready.
type OpenedEvent struct{}

func (OpenedEvent) eventType() string { return "opened" }

// AudioEvent carries one decoded-from-wire inbound audio payload.
type AudioEvent struct {
	Data       []byte
	SampleRate int
	Channels   int
}

func (AudioEvent) eventType() string { return "audio" }

// InterruptedEvent signals that the endpoint abandoned the current model turn;
// scheduled playback for it should be flushed.
type InterruptedEvent struct{}

func (InterruptedEvent) eventType() string { return "interrupted" }

// TurnCompleteEvent signals the end of a model turn.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) eventType() string { return "turn_complete" }

// ClosedEvent is the terminal event. Err is nil for a graceful close.
type ClosedEvent struct {
	Err error
}

func (ClosedEvent) eventType() string { return "closed" }

type Config struct {
	// URL is the websocket endpoint. APIKey, when set, is appended as the
	// "key" query parameter.
	URL    string
	APIKey string

	Model             string
	Voice             string
	SystemInstruction string

	// AudioQueueSize bounds unsent outbound audio chunks. When the queue is
	// full the oldest chunk is dropped so capture never blocks.
	AudioQueueSize int
	PingInterval   time.Duration
	WriteTimeout   time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session is one live bidirectional stream.
type Session struct {
	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	audioQ chan []byte
	imageQ chan []byte
	events chan Event

	closeOnce sync.Once
	wg        sync.WaitGroup

	errMu    sync.Mutex
	writeErr error
}

// Connect dials the endpoint and performs the setup handshake. The returned
// session is live; OpenedEvent arrives on Events once the endpoint
// acknowledges setup.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, &ConnectionError{Op: "connect", Err: errors.New("endpoint URL is required")}
	}
	if cfg.Model == "" {
		return nil, &ConnectionError{Op: "connect", Err: errors.New("model is required")}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = 32
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: fmt.Errorf("parse endpoint URL: %w", err)}
	}
	if cfg.APIKey != "" {
		q := target.Query()
		q.Set("key", cfg.APIKey)
		target.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	setup, err := protocol.EncodeClientMessage(protocol.ClientMessage{
		Setup: setupFor(cfg),
	})
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Op: "setup", Err: err}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, setup); err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Op: "setup", Err: err}
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    sctx,
		cancel: cancel,
		audioQ: make(chan []byte, cfg.AudioQueueSize),
		imageQ: make(chan []byte, 1),
		events: make(chan Event, 64),
	}
	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

func setupFor(cfg Config) *protocol.Setup {
	setup := &protocol.Setup{
		Model: cfg.Model,
		GenerationConfig: &protocol.GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	if cfg.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &protocol.SpeechConfig{
			VoiceConfig: &protocol.VoiceConfig{
				PrebuiltVoiceConfig: &protocol.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		setup.SystemInstruction = &protocol.Content{
			Parts: []protocol.Part{{Text: cfg.SystemInstruction}},
		}
	}
	return setup
}

// Events yields inbound and lifecycle events. The channel closes after
// ClosedEvent is delivered.
func (s *Session) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// Send enqueues payload for transmission, fire-and-forget. Ordering is strict
// within a media kind; no ordering holds between kinds. Audio back-pressure
// drops the oldest queued chunk; a queued image is replaced by a newer one.
func (s *Session) Send(kind MediaKind, payload []byte) error {
	if s == nil {
		return ErrSessionClosed
	}
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
	}

	switch kind {
	case MediaAudio:
		for {
			select {
			case s.audioQ <- payload:
				return nil
			default:
			}
			select {
			case <-s.audioQ:
				s.cfg.Metrics.IncAudioChunksDropped()
				s.logger.Warn("outbound audio queue full, dropped oldest chunk")
			default:
			}
		}
	case MediaImage:
		for {
			select {
			case s.imageQ <- payload:
				return nil
			default:
			}
			select {
			case <-s.imageQ:
				s.cfg.Metrics.IncFramesDropped()
			default:
			}
		}
	default:
		return fmt.Errorf("unsupported media kind %q", kind)
	}
}

// Close shuts the session down. Idempotent; pending queued media is discarded.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.cancel()
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
	s.wg.Wait()
	return nil
}

// writeLoop is the only goroutine writing data frames. Audio has hard
// priority over image frames so a large frame never delays speech.
func (s *Session) writeLoop() {
	defer s.wg.Done()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		select {
		case payload := <-s.audioQ:
			if err := s.writeChunk(protocol.MimeAudioPCM16k, payload); err != nil {
				s.failWrite(&ConnectionError{Op: "send audio", Err: err})
				return
			}
			s.cfg.Metrics.IncAudioChunksSent()
			continue
		default:
		}

		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.audioQ:
			if err := s.writeChunk(protocol.MimeAudioPCM16k, payload); err != nil {
				s.failWrite(&ConnectionError{Op: "send audio", Err: err})
				return
			}
			s.cfg.Metrics.IncAudioChunksSent()
		case payload := <-s.imageQ:
			if err := s.writeChunk(protocol.MimeImageJPEG, payload); err != nil {
				s.failWrite(&ConnectionError{Op: "send image", Err: err})
				return
			}
			s.cfg.Metrics.IncFramesSent()
		case <-pingTicker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				s.failWrite(&ConnectionError{Op: "ping", Err: err})
				return
			}
		}
	}
}

// failWrite records a writer-side failure and forces the read loop to wind
// down by closing the socket. The read loop owns terminal event delivery.
func (s *Session) failWrite(err error) {
	s.errMu.Lock()
	if s.writeErr == nil {
		s.writeErr = err
	}
	s.errMu.Unlock()
	s.cancel()
	_ = s.conn.Close()
}

func (s *Session) writeChunk(mimeType string, payload []byte) error {
	frame, err := protocol.EncodeClientMessage(protocol.ClientMessage{
		RealtimeInput: &protocol.RealtimeInput{
			MediaChunks: []protocol.MediaChunk{{
				MimeType: mimeType,
				Data:     pcm.ToWireText(payload),
			}},
		},
	})
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}

		msg, decErr := protocol.DecodeServerMessage(data)
		if decErr != nil {
			s.logger.Warn("skipping undecodable server frame", "err", decErr)
			continue
		}

		switch {
		case msg.SetupComplete != nil:
			s.emit(OpenedEvent{})
		case msg.ServerContent != nil:
			s.handleContent(msg.ServerContent)
		case msg.GoAway != nil:
			s.logger.Info("endpoint announced impending close", "time_left", msg.GoAway.TimeLeft)
		}
	}
}

func (s *Session) handleContent(content *protocol.ServerContent) {
	if content.Interrupted {
		s.emit(InterruptedEvent{})
	}
	for _, part := range content.AudioParts() {
		raw, err := pcm.FromWireText(part.Data)
		if err != nil {
			s.cfg.Metrics.IncDecodeErrors()
			s.logger.Warn("dropping inbound audio part with invalid wire text", "err", err)
			continue
		}
		s.emit(AudioEvent{Data: raw, SampleRate: inboundSampleRate, Channels: 1})
	}
	if content.TurnComplete {
		s.emit(TurnCompleteEvent{})
	}
}

func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	case <-s.ctx.Done():
	}
}

// shutdown translates the read loop's terminal error into the ClosedEvent.
// Only the read loop calls it, so it is the single place the events channel
// closes. A writer-side failure takes precedence over the read error it
// provoked; a requested or peer-initiated close reports nil.
func (s *Session) shutdown(readErr error) {
	s.errMu.Lock()
	err := s.writeErr
	s.errMu.Unlock()

	if err == nil {
		switch {
		case s.ctx.Err() != nil:
		case websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		default:
			err = &ConnectionError{Op: "read", Err: readErr}
		}
	}
	s.cancel()
	_ = s.conn.Close()

	// The terminal event must not be lost to a full buffer; stale events are
	// worth less than the exit reason, so evict until it fits. The read loop
	// is the only sender, so this terminates.
	for {
		select {
		case s.events <- ClosedEvent{Err: err}:
			close(s.events)
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}
