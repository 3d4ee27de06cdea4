// Command live-demo drives a live voice session from the terminal: it streams
// microphone audio to the endpoint, plays the synthesized replies, renders a
// level meter and can cast the display on demand.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amo-tech-ai/startupai-live/internal/dotenv"
	"github.com/amo-tech-ai/startupai-live/pkg/live/capture"
	"github.com/amo-tech-ai/startupai-live/pkg/live/config"
	"github.com/amo-tech-ai/startupai-live/pkg/live/device"
	"github.com/amo-tech-ai/startupai-live/pkg/live/metrics"
	"github.com/amo-tech-ai/startupai-live/pkg/live/session"
)

type demoDeps struct {
	loadConfig   func() (config.Config, error)
	openMic      func() (capture.Source, error)
	openDisplay  func() (capture.DisplaySource, error)
	openSpeaker  func(src io.Reader) (io.Closer, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultDemoDeps() demoDeps {
	return demoDeps{
		loadConfig: config.LoadFromEnv,
		openMic: func() (capture.Source, error) {
			return device.OpenMicrophone()
		},
		openDisplay: func() (capture.DisplaySource, error) {
			return device.OpenDisplay()
		},
		openSpeaker: func(src io.Reader) (io.Closer, error) {
			return device.OpenSpeaker(src)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// meter renders a one-line level bar, redrawn in place.
type meter struct {
	out io.Writer
}

func (m *meter) RenderFrame(level float64, samples []float32) {
	const width = 30
	filled := int(level * width * 4) // mic speech rarely exceeds 0.25 RMS
	if filled > width {
		filled = width
	}
	fmt.Fprintf(m.out, "\r[%-*s]", width, strings.Repeat("|", filled))
}

func runDemo(ctx context.Context, logger *slog.Logger, in io.Reader, out io.Writer, deps demoDeps) error {
	if deps.loadConfig == nil || deps.openMic == nil {
		return errors.New("missing dependencies")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
		defer metricsSrv.Close()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	ctrl, err := session.New(session.Config{
		Settings:    cfg,
		OpenMic:     deps.openMic,
		OpenDisplay: deps.openDisplay,
		OpenSpeaker: deps.openSpeaker,
		Renderer:    &meter{out: out},
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("build session controller: %w", err)
	}
	defer ctrl.Stop()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	fmt.Fprintln(out, "commands: start, stop, cast, uncast, status, q")
	for {
		fmt.Fprint(out, "> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigCh:
			fmt.Fprintln(out)
			logger.Info("shutdown signal received", "signal", sig.String())
			return nil
		case line, ok = <-lines:
			if !ok {
				return <-scanErr
			}
		}

		switch line {
		case "":
		case "start":
			if err := ctrl.Start(ctx); err != nil {
				fmt.Fprintf(out, "start: %v\n", err)
			}
		case "stop":
			if err := ctrl.Stop(); err != nil {
				fmt.Fprintf(out, "stop: %v\n", err)
			}
		case "cast":
			if err := ctrl.StartCasting(); err != nil {
				fmt.Fprintf(out, "cast: %v\n", err)
			}
		case "uncast":
			ctrl.StopCasting()
		case "status":
			st := ctrl.Status()
			fmt.Fprintf(out, "state=%s session=%s casting=%v cursor=%s\n",
				st.State, st.SessionID, st.Casting, st.Cursor)
			if st.Err != nil {
				fmt.Fprintf(out, "last error: %v\n", st.Err)
			}
		case "q", "quit", "exit":
			return nil
		default:
			fmt.Fprintln(out, "commands: start, stop, cast, uncast, status, q")
		}
	}
}

func runMain(ctx context.Context, stderr io.Writer, deps demoDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "live-demo: %v\n", err)
		return 1
	}

	if err := runDemo(ctx, logger, os.Stdin, os.Stdout, deps); err != nil {
		fmt.Fprintf(stderr, "live-demo: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultDemoDeps()))
}
