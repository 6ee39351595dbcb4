package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
statues:
  - name: alpha
    frequency: 3000
  - name: bravo
    frequency: 5300
    tone_channel: 1
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("default listen = %q", cfg.Server.Listen)
	}
	if cfg.Audio.SampleRate != 44100 || cfg.Audio.BlockSize != 1024 {
		t.Errorf("default audio = %d/%d", cfg.Audio.SampleRate, cfg.Audio.BlockSize)
	}
	if cfg.Audio.ToneAmplitude != 0.5 {
		t.Errorf("default amplitude = %g", cfg.Audio.ToneAmplitude)
	}
	if cfg.Detection.Threshold != 25.0 {
		t.Errorf("default threshold = %g", cfg.Detection.Threshold)
	}
	if cfg.Detection.GracePeriodMs != 1000 {
		t.Errorf("default grace = %d", cfg.Detection.GracePeriodMs)
	}
	if cfg.MQTT.TopicPrefix != "statuelink" || cfg.MQTT.PublishInterval != 5 {
		t.Errorf("default mqtt = %q/%d", cfg.MQTT.TopicPrefix, cfg.MQTT.PublishInterval)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"one statue",
			func(c *Config) { c.Statues = c.Statues[:1] },
			"at least two",
		},
		{
			"duplicate names",
			func(c *Config) { c.Statues[1].Name = "alpha" },
			"duplicate statue name",
		},
		{
			"missing name",
			func(c *Config) { c.Statues[0].Name = "" },
			"name is required",
		},
		{
			"tone channel out of range",
			func(c *Config) { c.Statues[0].ToneChannel = 7 },
			"tone_channel",
		},
		{
			"amplitude over unity",
			func(c *Config) { c.Audio.ToneAmplitude = 1.5 },
			"tone_amplitude",
		},
		{
			"mqtt enabled without broker",
			func(c *Config) { c.MQTT.Enabled = true },
			"mqtt.broker",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, minimalConfig))
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}
