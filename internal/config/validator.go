package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid value")

const (
	SourceSynthetic = "synthetic"
	SourceGStreamer = "gstreamer"

	WorkerModeLocal   = "local"
	WorkerModeProcess = "process"
)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if err := validateCapture(&cfg.Capture); err != nil {
		return err
	}
	if err := validateComputerVision(&cfg.ComputerVision); err != nil {
		return err
	}
	if err := validateRenderer(&cfg.Renderer); err != nil {
		return err
	}

	// Log
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("log.level %q (must be debug, info, warn or error)", cfg.Log.Level)
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return invalid("log.format %q (must be text or json)", cfg.Log.Format)
	}

	// MQTT
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "maskflow"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "maskflow/status"
	}
	if cfg.MQTT.QoS > 2 {
		return invalid("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}

	return nil
}

func validateCapture(c *CaptureConfig) error {
	if c.Source == "" {
		c.Source = SourceSynthetic
	}
	switch c.Source {
	case SourceSynthetic:
	case SourceGStreamer:
		if c.Device == "" && c.URL == "" {
			c.Device = "/dev/video0"
		}
	default:
		return invalid("capture.source %q (must be synthetic or gstreamer)", c.Source)
	}

	if c.Width == 0 {
		c.Width = 640
	}
	if c.Height == 0 {
		c.Height = 480
	}
	if c.Width < 0 || c.Height < 0 {
		return invalid("capture size must be > 0, got %dx%d", c.Width, c.Height)
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.FPS < 0 {
		return invalid("capture.fps must be > 0")
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.ReadyTimeout < 0 {
		return invalid("capture.ready_timeout must be > 0")
	}
	return nil
}

func validateComputerVision(cv *ComputerVisionConfig) error {
	if cv.Worker.Mode == "" {
		cv.Worker.Mode = WorkerModeLocal
	}
	if cv.Worker.Mode != WorkerModeLocal && cv.Worker.Mode != WorkerModeProcess {
		return invalid("computer_vision.worker.mode %q (must be local or process)", cv.Worker.Mode)
	}

	if cv.ModelAssetPath == "" {
		cv.ModelAssetPath = "models/chromakey.yaml"
	}
	// Confidence masks are the only output the pipeline consumes.
	if !cv.OutputConfidenceMasks && !cv.OutputCategoryMask {
		cv.OutputConfidenceMasks = true
	}
	if cv.Delegate == "" {
		cv.Delegate = "CPU"
	}

	if cv.InputWidth == 0 {
		cv.InputWidth = 256
	}
	if cv.InputHeight == 0 {
		cv.InputHeight = 256
	}
	if cv.InputWidth < 0 || cv.InputHeight < 0 {
		return invalid("computer_vision input size must be > 0, got %dx%d", cv.InputWidth, cv.InputHeight)
	}

	if cv.InitTimeout == 0 {
		cv.InitTimeout = 60 * time.Second
	}
	if cv.InitTimeout < 0 {
		return invalid("computer_vision.init_timeout must be > 0")
	}
	return nil
}

func validateRenderer(r *RendererConfig) error {
	if r.FPS == 0 {
		r.FPS = 60
	}
	if r.FPS < 0 {
		return invalid("renderer.fps must be > 0")
	}
	if r.MaskWidth == 0 {
		r.MaskWidth = 512
	}
	if r.MaskHeight == 0 {
		r.MaskHeight = 512
	}
	if r.MaskWidth < 0 || r.MaskHeight < 0 {
		return invalid("renderer mask size must be > 0, got %dx%d", r.MaskWidth, r.MaskHeight)
	}
	if r.PreviewEvery == 0 {
		r.PreviewEvery = 2 * time.Second
	}
	if r.PreviewEvery < 0 {
		return invalid("renderer.preview_every must be > 0")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
