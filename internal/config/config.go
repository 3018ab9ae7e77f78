package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete maskflow configuration
type Config struct {
	Capture        CaptureConfig        `yaml:"capture"`
	ComputerVision ComputerVisionConfig `yaml:"computer_vision"`
	Renderer       RendererConfig       `yaml:"renderer"`
	Log            LogConfig            `yaml:"log"`
	MQTT           MQTTConfig           `yaml:"mqtt"`
	Health         HealthConfig         `yaml:"health"`
}

// CaptureConfig selects and sizes the video source
type CaptureConfig struct {
	Source       string        `yaml:"source"` // synthetic, gstreamer
	Device       string        `yaml:"device"` // v4l2 device for gstreamer
	URL          string        `yaml:"url"`    // rtsp/uri, overrides device
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	FPS          float64       `yaml:"fps"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// ComputerVisionConfig configures the segmentation worker
type ComputerVisionConfig struct {
	Worker                WorkerConfig  `yaml:"worker"`
	ModelAssetPath        string        `yaml:"model_asset_path"`
	OutputConfidenceMasks bool          `yaml:"output_confidence_masks"`
	OutputCategoryMask    bool          `yaml:"output_category_mask"`
	Delegate              string        `yaml:"delegate"`
	InputWidth            int           `yaml:"input_width"`  // resizeTo
	InputHeight           int           `yaml:"input_height"` // resizeTo
	InitTimeout           time.Duration `yaml:"init_timeout"`
}

// WorkerConfig selects where the worker runs
type WorkerConfig struct {
	Mode    string   `yaml:"mode"`    // local, process
	Command string   `yaml:"command"` // empty: this executable + "worker"
	Args    []string `yaml:"args"`
}

// RendererConfig contains render clock and preview settings
type RendererConfig struct {
	FPS          float64       `yaml:"fps"`
	MaskWidth    int           `yaml:"mask_width"`
	MaskHeight   int           `yaml:"mask_height"`
	PreviewDir   string        `yaml:"preview_dir"` // disabled when empty
	PreviewEvery time.Duration `yaml:"preview_every"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MQTTConfig contains status emitter settings
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // emitter disabled when empty
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// HealthConfig contains health check server settings
type HealthConfig struct {
	Addr string `yaml:"addr"` // e.g. ":8080"; disabled when empty
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	var cfg Config
	if err := Validate(&cfg); err != nil {
		panic(err) // defaults are always valid
	}
	return &cfg
}
