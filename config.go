package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Detection  DetectionConfig  `yaml:"detection"`
	Statues    []StatueConfig   `yaml:"statues"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP status server settings
type ServerConfig struct {
	Listen     string `yaml:"listen"`
	EnableCORS bool   `yaml:"enable_cors"`
}

// AudioConfig contains the shared stream parameters. Every statue's
// capture and output stream runs at the same rate and block size.
type AudioConfig struct {
	SampleRate     int     `yaml:"sample_rate"`
	BlockSize      int     `yaml:"block_size"`
	OutputChannels int     `yaml:"output_channels"` // interleaved channels on each output stream
	ToneAmplitude  float64 `yaml:"tone_amplitude"`  // headroom for mixing with the audio bed
}

// DetectionConfig contains tone detection settings
type DetectionConfig struct {
	Threshold     float64 `yaml:"threshold"`       // raw Goertzel magnitude threshold for the configured block size
	GracePeriodMs int     `yaml:"grace_period_ms"` // shutdown wait before capture streams are forced closed
}

// StatueConfig describes one statue: its tone frequency and where its
// audio lives on the hardware.
type StatueConfig struct {
	Name          string  `yaml:"name"`
	Frequency     float64 `yaml:"frequency"` // tone frequency in Hz
	CaptureDevice string  `yaml:"capture_device"`
	OutputDevice  string  `yaml:"output_device"`
	ToneChannel   int     `yaml:"tone_channel"` // sub-channel of the output stream carrying the tone
	BedChannel    int     `yaml:"bed_channel"`  // sub-channel carrying the shared audio bed
}

// MQTTConfig contains MQTT publishing settings
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	QoS             byte   `yaml:"qos"`
	Retain          bool   `yaml:"retain"`
	PublishInterval int    `yaml:"publish_interval"` // seconds between periodic snapshots
}

// PrometheusConfig contains metrics endpoint settings
type PrometheusConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 44100
	}
	if c.Audio.BlockSize == 0 {
		c.Audio.BlockSize = 1024
	}
	if c.Audio.OutputChannels == 0 {
		c.Audio.OutputChannels = 2
	}
	if c.Audio.ToneAmplitude == 0 {
		c.Audio.ToneAmplitude = 0.5
	}
	if c.Detection.Threshold == 0 {
		// A tenth of full coupling for the default 1024-sample block:
		// amplitude 0.05 reads ~25.6 raw.
		c.Detection.Threshold = 25.0
	}
	if c.Detection.GracePeriodMs == 0 {
		c.Detection.GracePeriodMs = 1000
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "statuelink"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 5
	}
}

// Validate checks the configuration for errors. Frequency plan
// validation (harmonic spacing, Nyquist) happens in NewFrequencyPlan so
// it can also be run offline against a config file.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Audio.SampleRate < 8000 {
		return fmt.Errorf("audio.sample_rate must be at least 8000")
	}
	if c.Audio.BlockSize < 128 {
		return fmt.Errorf("audio.block_size must be at least 128")
	}
	if c.Audio.OutputChannels < 1 {
		return fmt.Errorf("audio.output_channels must be at least 1")
	}
	if c.Audio.ToneAmplitude <= 0 || c.Audio.ToneAmplitude > 1 {
		return fmt.Errorf("audio.tone_amplitude must be in (0, 1]")
	}
	if c.Detection.Threshold <= 0 {
		return fmt.Errorf("detection.threshold must be positive")
	}
	if c.Detection.GracePeriodMs < 0 {
		return fmt.Errorf("detection.grace_period_ms must not be negative")
	}
	if len(c.Statues) < 2 {
		return fmt.Errorf("at least two statues are required")
	}
	seen := make(map[string]bool)
	for i, s := range c.Statues {
		if s.Name == "" {
			return fmt.Errorf("statues[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate statue name %q", s.Name)
		}
		seen[s.Name] = true
		if s.ToneChannel < 0 || s.ToneChannel >= c.Audio.OutputChannels {
			return fmt.Errorf("statue %q: tone_channel %d out of range for %d output channels",
				s.Name, s.ToneChannel, c.Audio.OutputChannels)
		}
		if s.BedChannel < 0 || s.BedChannel >= c.Audio.OutputChannels {
			return fmt.Errorf("statue %q: bed_channel %d out of range for %d output channels",
				s.Name, s.BedChannel, c.Audio.OutputChannels)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}
