// Package config loads live session settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

type Config struct {
	// EndpointURL is the websocket endpoint of the live API.
	EndpointURL string
	// APIKey authenticates against the endpoint. Required.
	APIKey string

	Model string
	Voice string

	// UserName and CompanyName personalize the assistant's system instruction.
	UserName    string
	CompanyName string

	// ChunkSamples is the outbound audio chunk size in samples at 16 kHz.
	ChunkSamples int
	// AudioQueueSize bounds the unsent outbound audio queue.
	AudioQueueSize int

	// FrameInterval is the display cast cadence.
	FrameInterval time.Duration
	// JPEGQuality for cast frames, in [1,100].
	JPEGQuality int

	// VizInterval is the render cadence of the level meter.
	VizInterval time.Duration

	PingInterval time.Duration
	WriteTimeout time.Duration

	// MetricsAddr, when set, serves Prometheus metrics on that address.
	MetricsAddr string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		EndpointURL:    envOr("LIVE_ENDPOINT_URL", defaultEndpoint),
		APIKey:         envOr("LIVE_API_KEY", ""),
		Model:          envOr("LIVE_MODEL", "models/gemini-2.0-flash-live-001"),
		Voice:          envOr("LIVE_VOICE", "Puck"),
		UserName:       envOr("LIVE_USER_NAME", ""),
		CompanyName:    envOr("LIVE_COMPANY_NAME", ""),
		ChunkSamples:   envIntOr("LIVE_CHUNK_SAMPLES", 4096),
		AudioQueueSize: envIntOr("LIVE_AUDIO_QUEUE_SIZE", 32),
		FrameInterval:  envDurationOr("LIVE_FRAME_INTERVAL", time.Second),
		JPEGQuality:    envIntOr("LIVE_JPEG_QUALITY", 70),
		VizInterval:    envDurationOr("LIVE_VIZ_INTERVAL", 50*time.Millisecond),
		PingInterval:   envDurationOr("LIVE_WS_PING_INTERVAL", 20*time.Second),
		WriteTimeout:   envDurationOr("LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		MetricsAddr:    envOr("LIVE_METRICS_ADDR", ""),
	}

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("LIVE_API_KEY must be set")
	}
	if !strings.HasPrefix(cfg.EndpointURL, "ws://") && !strings.HasPrefix(cfg.EndpointURL, "wss://") {
		return Config{}, fmt.Errorf("LIVE_ENDPOINT_URL must be a ws:// or wss:// URL")
	}
	if cfg.ChunkSamples <= 0 {
		return Config{}, fmt.Errorf("LIVE_CHUNK_SAMPLES must be > 0")
	}
	if cfg.AudioQueueSize <= 0 {
		return Config{}, fmt.Errorf("LIVE_AUDIO_QUEUE_SIZE must be > 0")
	}
	if cfg.FrameInterval <= 0 {
		return Config{}, fmt.Errorf("LIVE_FRAME_INTERVAL must be > 0")
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return Config{}, fmt.Errorf("LIVE_JPEG_QUALITY must be in [1,100]")
	}
	if cfg.VizInterval <= 0 {
		return Config{}, fmt.Errorf("LIVE_VIZ_INTERVAL must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_WS_WRITE_TIMEOUT must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
