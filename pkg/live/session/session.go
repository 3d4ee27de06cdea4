// Package session coordinates one live conversation: device acquisition, the
// transport stream, inbound playback scheduling and the visualization loop,
// all governed by a small lifecycle state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amo-tech-ai/startupai-live/pkg/live/capture"
	"github.com/amo-tech-ai/startupai-live/pkg/live/config"
	"github.com/amo-tech-ai/startupai-live/pkg/live/metrics"
	"github.com/amo-tech-ai/startupai-live/pkg/live/pcm"
	"github.com/amo-tech-ai/startupai-live/pkg/live/timeline"
	"github.com/amo-tech-ai/startupai-live/pkg/live/transport"
	"github.com/amo-tech-ai/startupai-live/pkg/live/viz"
)

// State is the lifecycle position of a Controller.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	// StateFailed is terminal for the session that failed; Start begins a
	// fresh session from it.
	StateFailed State = "failed"
)

// ErrNotIdle is returned by Start while a session is in flight.
var ErrNotIdle = errors.New("session already in progress")

// ErrNotActive is returned by StartCasting outside an active session.
var ErrNotActive = errors.New("session is not active")

// AcquisitionError reports a local device that could not be opened. Device is
// "microphone", "speaker" or "display".
type AcquisitionError struct {
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// liveSession is the slice of the transport surface the controller drives.
type liveSession interface {
	Events() <-chan transport.Event
	Send(kind transport.MediaKind, payload []byte) error
	Close() error
}

// Config wires a Controller to its devices and settings.
type Config struct {
	Settings config.Config

	// OpenMic acquires the microphone. Required.
	OpenMic func() (capture.Source, error)
	// OpenDisplay acquires the display grabber. Required only for casting.
	OpenDisplay func() (capture.DisplaySource, error)
	// OpenSpeaker starts playback pulling PCM16LE from src. Optional; without
	// it scheduled audio is tracked but not rendered.
	OpenSpeaker func(src io.Reader) (io.Closer, error)

	// Renderer, when set, receives level-meter frames while a session runs.
	Renderer viz.Renderer

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// dial overrides the transport in tests.
	dial func(ctx context.Context, cfg transport.Config) (liveSession, error)
}

// Controller owns the session lifecycle. Status and State may be called from
// any goroutine; Start, Stop and the casting methods are expected to be
// driven from one control goroutine.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	lastErr   error
	pumpErr   error

	sess     liveSession
	mic      capture.Source
	speaker  io.Closer
	display  capture.DisplaySource
	timeline *timeline.Timeline
	tap      *capture.Tap
	vizLoop  *viz.Loop

	cancel     context.CancelFunc
	castCancel context.CancelFunc
	casting    bool

	wg     sync.WaitGroup
	castWG sync.WaitGroup
}

// New returns an idle Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.OpenMic == nil {
		return nil, errors.New("session: OpenMic is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.dial == nil {
		cfg.dial = func(ctx context.Context, tcfg transport.Config) (liveSession, error) {
			return transport.Connect(ctx, tcfg)
		}
	}
	return &Controller{cfg: cfg, logger: cfg.Logger, state: StateIdle}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Casting reports whether display frames are being streamed.
func (c *Controller) Casting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.casting
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State     State
	SessionID string
	Casting   bool
	// Cursor is the playback timeline position of the next scheduled segment.
	Cursor time.Duration
	// Err is the failure that ended the last session, if any.
	Err error
}

// Status reports the controller's current condition.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:     c.state,
		SessionID: c.sessionID,
		Casting:   c.casting,
		Err:       c.lastErr,
	}
	if c.timeline != nil {
		st.Cursor = c.timeline.Cursor()
	}
	return st
}

// Start acquires the microphone, dials the endpoint and begins streaming.
// The microphone is acquired before the dial so a missing device fails fast
// without touching the network. Any failure rolls back everything acquired
// so far.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFailed {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.state = StateConnecting
	c.sessionID = uuid.NewString()
	c.lastErr = nil
	c.pumpErr = nil
	c.mu.Unlock()

	logger := c.logger.With("session_id", c.sessionID)
	logger.Info("starting live session", "model", c.cfg.Settings.Model)

	mic, err := c.cfg.OpenMic()
	if err != nil {
		acqErr := &AcquisitionError{Device: "microphone", Err: err}
		c.failStart(acqErr, nil, nil, nil)
		return acqErr
	}

	var speaker io.Closer
	tl := timeline.New()
	if c.cfg.OpenSpeaker != nil {
		speaker, err = c.cfg.OpenSpeaker(tl)
		if err != nil {
			acqErr := &AcquisitionError{Device: "speaker", Err: err}
			c.failStart(acqErr, mic, nil, nil)
			return acqErr
		}
	}

	sess, err := c.cfg.dial(ctx, transport.Config{
		URL:               c.cfg.Settings.EndpointURL,
		APIKey:            c.cfg.Settings.APIKey,
		Model:             c.cfg.Settings.Model,
		Voice:             c.cfg.Settings.Voice,
		SystemInstruction: buildSystemInstruction(c.cfg.Settings.UserName, c.cfg.Settings.CompanyName),
		AudioQueueSize:    c.cfg.Settings.AudioQueueSize,
		PingInterval:      c.cfg.Settings.PingInterval,
		WriteTimeout:      c.cfg.Settings.WriteTimeout,
		Logger:            logger,
		Metrics:           c.cfg.Metrics,
	})
	if err != nil {
		c.failStart(err, mic, speaker, nil)
		return err
	}

	tap := capture.NewTap(2 * c.cfg.Settings.ChunkSamples)
	pump, err := capture.NewPump(capture.PumpConfig{
		Source:       mic,
		Sink:         sess,
		Tap:          tap,
		ChunkSamples: c.cfg.Settings.ChunkSamples,
		Logger:       logger,
	})
	if err != nil {
		c.failStart(err, mic, speaker, sess)
		return err
	}

	var vizLoop *viz.Loop
	if c.cfg.Renderer != nil {
		vizLoop, err = viz.NewLoop(viz.Config{
			Tap:      tap,
			Renderer: c.cfg.Renderer,
			Interval: c.cfg.Settings.VizInterval,
		})
		if err != nil {
			c.failStart(err, mic, speaker, sess)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.sess = sess
	c.mic = mic
	c.speaker = speaker
	c.timeline = tl
	c.tap = tap
	c.vizLoop = vizLoop
	c.cancel = cancel
	c.mu.Unlock()

	if vizLoop != nil {
		vizLoop.Start()
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// A pump failure mid-session (device unplugged, send error) ends the
		// session: record it and close the transport so the event loop tears
		// everything down with this as the cause.
		if err := pump.Run(runCtx); err != nil {
			logger.Error("microphone pump stopped", "err", err)
			c.mu.Lock()
			c.pumpErr = err
			c.mu.Unlock()
			_ = sess.Close()
		}
	}()
	go func() {
		defer c.wg.Done()
		c.eventLoop(logger)
	}()

	return nil
}

// failStart rolls back a partially started session and records the failure.
func (c *Controller) failStart(err error, mic capture.Source, speaker io.Closer, sess liveSession) {
	if sess != nil {
		_ = sess.Close()
	}
	if speaker != nil {
		_ = speaker.Close()
	}
	if mic != nil {
		_ = mic.Close()
	}
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err
	c.sessionID = ""
	c.mu.Unlock()
	c.logger.Error("session start failed", "err", err)
}

// Stop ends the session and releases every device. Stopping an idle, failed
// or already-closing controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != StateActive && c.state != StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	sess := c.sess
	cancel := c.cancel
	mic := c.mic
	c.mu.Unlock()

	c.stopCasting(false)
	if cancel != nil {
		cancel()
	}
	if mic != nil {
		_ = mic.Close()
	}
	if sess != nil {
		_ = sess.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.teardownLocked()
	c.state = StateIdle
	c.mu.Unlock()
	c.logger.Info("live session stopped")
	return nil
}

// StartCasting begins streaming 1 Hz display frames alongside audio. A
// display that cannot be acquired returns an AcquisitionError but leaves the
// audio session running.
func (c *Controller) StartCasting() error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	if c.casting {
		c.mu.Unlock()
		return nil
	}
	sess := c.sess
	c.mu.Unlock()

	if c.cfg.OpenDisplay == nil {
		return &AcquisitionError{Device: "display", Err: errors.New("no display source configured")}
	}
	display, err := c.cfg.OpenDisplay()
	if err != nil {
		return &AcquisitionError{Device: "display", Err: err}
	}

	caster, err := capture.NewCaster(capture.CasterConfig{
		Source:      display,
		Sink:        sess,
		Interval:    c.cfg.Settings.FrameInterval,
		JPEGQuality: c.cfg.Settings.JPEGQuality,
		Logger:      c.logger,
		Metrics:     c.cfg.Metrics,
	})
	if err != nil {
		_ = display.Close()
		return err
	}

	castCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		cancel()
		_ = display.Close()
		return ErrNotActive
	}
	c.display = display
	c.castCancel = cancel
	c.casting = true
	c.mu.Unlock()

	c.castWG.Add(1)
	go func() {
		defer c.castWG.Done()
		_ = caster.Run(castCtx)
	}()
	c.logger.Info("display casting started")
	return nil
}

// StopCasting ends display streaming. The audio session is unaffected.
// Idempotent.
func (c *Controller) StopCasting() {
	c.stopCasting(true)
}

func (c *Controller) stopCasting(log bool) {
	c.mu.Lock()
	if !c.casting {
		c.mu.Unlock()
		return
	}
	cancel := c.castCancel
	display := c.display
	c.casting = false
	c.castCancel = nil
	c.display = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.castWG.Wait()
	if display != nil {
		_ = display.Close()
	}
	if log {
		c.logger.Info("display casting stopped")
	}
}

// eventLoop consumes transport events until the stream closes.
func (c *Controller) eventLoop(logger *slog.Logger) {
	var closedErr error
	for event := range c.sess.Events() {
		switch ev := event.(type) {
		case transport.OpenedEvent:
			c.mu.Lock()
			if c.state == StateConnecting {
				c.state = StateActive
			}
			c.mu.Unlock()
			logger.Info("live session active")
		case transport.AudioEvent:
			c.scheduleAudio(logger, ev)
		case transport.InterruptedEvent:
			c.mu.Lock()
			tl := c.timeline
			c.mu.Unlock()
			if tl != nil {
				tl.CancelAll()
			}
			logger.Info("model turn interrupted, playback flushed")
		case transport.TurnCompleteEvent:
			logger.Debug("model turn complete")
		case transport.ClosedEvent:
			closedErr = ev.Err
		}
	}
	c.finishSession(logger, closedErr)
}

// scheduleAudio decodes one inbound payload and places it on the timeline.
// Malformed payloads are dropped; playback continues with the next chunk.
func (c *Controller) scheduleAudio(logger *slog.Logger, ev transport.AudioEvent) {
	channels, err := pcm.DecodeSegment(ev.Data, ev.SampleRate, ev.Channels)
	if err != nil {
		c.cfg.Metrics.IncDecodeErrors()
		logger.Warn("dropping malformed inbound audio", "err", err)
		return
	}

	c.mu.Lock()
	tl := c.timeline
	c.mu.Unlock()
	if tl == nil {
		return
	}

	before := tl.Cursor()
	seg := tl.Schedule(channels[0])
	c.cfg.Metrics.IncSegmentsScheduled()
	if before > 0 && seg.Start() > before {
		c.cfg.Metrics.IncLateChunks()
		logger.Warn("inbound chunk arrived late, audible gap",
			"gap", seg.Start()-before)
	}
}

// finishSession handles the terminal transport event. A stop requested by
// Stop leaves the final transition to Stop; an unsolicited close tears the
// session down here.
func (c *Controller) finishSession(logger *slog.Logger, closedErr error) {
	c.mu.Lock()
	if closedErr == nil && c.pumpErr != nil {
		closedErr = c.pumpErr
	}
	c.pumpErr = nil
	if c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	sess := c.sess
	c.teardownLocked()
	if closedErr != nil {
		c.state = StateFailed
		c.lastErr = closedErr
	} else {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	c.stopCasting(false)
	if closedErr != nil {
		logger.Error("live session failed", "err", closedErr)
	} else {
		logger.Info("live session closed by endpoint")
	}
}

// teardownLocked releases session resources. Callers hold c.mu. Idempotent.
// Cancellation comes first so the pump treats the device close as a shutdown
// rather than a capture failure.
func (c *Controller) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.vizLoop != nil {
		c.vizLoop.Stop()
		c.vizLoop = nil
	}
	if c.mic != nil {
		_ = c.mic.Close()
		c.mic = nil
	}
	if c.speaker != nil {
		_ = c.speaker.Close()
		c.speaker = nil
	}
	if c.timeline != nil {
		c.timeline.CancelAll()
		c.timeline = nil
	}
	c.sess = nil
	c.tap = nil
}

// buildSystemInstruction personalizes the assistant and tells it the user may
// share their screen mid-session.
func buildSystemInstruction(userName, companyName string) string {
	var b strings.Builder
	b.WriteString("You are a concise, helpful voice assistant.")
	if userName != "" {
		fmt.Fprintf(&b, " You are speaking with %s.", userName)
	}
	if companyName != "" {
		fmt.Fprintf(&b, " They work at %s.", companyName)
	}
	b.WriteString(" The user may start sharing their screen at any time;")
	b.WriteString(" when frames arrive, ground your answers in what is visible.")
	return b.String()
}
