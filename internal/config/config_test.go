package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Capture.Source != SourceSynthetic {
		t.Errorf("Capture.Source = %q, want %q", cfg.Capture.Source, SourceSynthetic)
	}
	if cfg.Capture.ReadyTimeout != 10*time.Second {
		t.Errorf("Capture.ReadyTimeout = %v, want 10s", cfg.Capture.ReadyTimeout)
	}
	if cfg.ComputerVision.Worker.Mode != WorkerModeLocal {
		t.Errorf("Worker.Mode = %q, want %q", cfg.ComputerVision.Worker.Mode, WorkerModeLocal)
	}
	if !cfg.ComputerVision.OutputConfidenceMasks {
		t.Error("OutputConfidenceMasks should default to true")
	}
	if cfg.ComputerVision.InitTimeout != 60*time.Second {
		t.Errorf("InitTimeout = %v, want 60s", cfg.ComputerVision.InitTimeout)
	}
	if cfg.Renderer.MaskWidth != 512 || cfg.Renderer.MaskHeight != 512 {
		t.Errorf("mask size = %dx%d, want 512x512", cfg.Renderer.MaskWidth, cfg.Renderer.MaskHeight)
	}
	if cfg.MQTT.Topic != "maskflow/status" {
		t.Errorf("MQTT.Topic = %q", cfg.MQTT.Topic)
	}
	t.Logf("✅ Defaults applied: %+v", cfg.Capture)
}

func TestLoadParsesDurations(t *testing.T) {
	doc := `
capture:
  source: gstreamer
  url: rtsp://camera.local/stream
  fps: 15
  ready_timeout: 3s
computer_vision:
  worker:
    mode: process
    args: ["--verbose"]
  model_asset_path: https://models.example/selfie.yaml
  input_width: 192
  input_height: 192
  init_timeout: 1m30s
renderer:
  fps: 24
  preview_dir: /tmp/preview
  preview_every: 500ms
log:
  level: debug
  format: json
mqtt:
  broker: localhost:1883
  qos: 1
`
	path := filepath.Join(t.TempDir(), "maskflow.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Capture.ReadyTimeout != 3*time.Second {
		t.Errorf("ReadyTimeout = %v, want 3s", cfg.Capture.ReadyTimeout)
	}
	if cfg.Capture.Device != "" {
		t.Errorf("Device = %q, want empty when url is set", cfg.Capture.Device)
	}
	if cfg.ComputerVision.InitTimeout != 90*time.Second {
		t.Errorf("InitTimeout = %v, want 1m30s", cfg.ComputerVision.InitTimeout)
	}
	if cfg.Renderer.PreviewEvery != 500*time.Millisecond {
		t.Errorf("PreviewEvery = %v, want 500ms", cfg.Renderer.PreviewEvery)
	}
	if got := cfg.ComputerVision.Worker.Args; len(got) != 1 || got[0] != "--verbose" {
		t.Errorf("Worker.Args = %v", got)
	}
	if cfg.MQTT.QoS != 1 || cfg.MQTT.ClientID != "maskflow" {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
}

func TestGStreamerDefaultsToWebcam(t *testing.T) {
	cfg, err := Parse([]byte("capture:\n  source: gstreamer\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Capture.Device != "/dev/video0" {
		t.Errorf("Device = %q, want /dev/video0", cfg.Capture.Device)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown source", "capture:\n  source: webrtc\n"},
		{"negative capture size", "capture:\n  width: -1\n"},
		{"negative ready timeout", "capture:\n  ready_timeout: -1s\n"},
		{"unknown worker mode", "computer_vision:\n  worker:\n    mode: remote\n"},
		{"negative input size", "computer_vision:\n  input_height: -256\n"},
		{"negative init timeout", "computer_vision:\n  init_timeout: -5s\n"},
		{"negative render fps", "renderer:\n  fps: -60\n"},
		{"unknown log level", "log:\n  level: verbose\n"},
		{"unknown log format", "log:\n  format: xml\n"},
		{"qos out of range", "mqtt:\n  qos: 3\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Parse() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load() error = %v, want os.ErrNotExist", err)
	}
}

func TestParseMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("capture: [unterminated")); err == nil {
		t.Fatal("Parse() accepted malformed YAML")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Renderer.FPS != 60 || cfg.Capture.FPS != 30 {
		t.Errorf("fps = render %v / capture %v", cfg.Renderer.FPS, cfg.Capture.FPS)
	}
}

func TestHealthAddr(t *testing.T) {
	cfg, err := Parse([]byte("health:\n  addr: \":8080\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Health.Addr != ":8080" {
		t.Errorf("Health.Addr = %q", cfg.Health.Addr)
	}
}
