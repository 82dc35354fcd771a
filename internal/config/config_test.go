package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rascam.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoadAppliesDefaults verifies a sparse file is filled from the
// default tree
func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
camera:
  id: garden
capture:
  backend: mock
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Camera.ID != "garden" {
		t.Errorf("Expected camera id garden, got %s", cfg.Camera.ID)
	}
	if cfg.Camera.FrameRate != 15 {
		t.Errorf("Expected default frame_rate 15, got %d", cfg.Camera.FrameRate)
	}
	if cfg.Analysis.Width != 320 || cfg.Analysis.Height != 240 {
		t.Errorf("Expected default analysis 320x240, got %dx%d", cfg.Analysis.Width, cfg.Analysis.Height)
	}
	if cfg.Motion.Sensitivity != "medium" {
		t.Errorf("Expected default sensitivity medium, got %s", cfg.Motion.Sensitivity)
	}
	if cfg.Motion.RequiredConsecutiveFrames != 3 {
		t.Errorf("Expected default required_consecutive_frames 3, got %d", cfg.Motion.RequiredConsecutiveFrames)
	}
	if cfg.Recording.PostRecordSeconds != 10 {
		t.Errorf("Expected default post_record 10, got %d", cfg.Recording.PostRecordSeconds)
	}
	if cfg.Thermal.ThrottleC != 75 {
		t.Errorf("Expected default throttle_c 75, got %g", cfg.Thermal.ThrottleC)
	}
	if cfg.ShutdownTimeoutS != 5 {
		t.Errorf("Expected default shutdown timeout 5, got %d", cfg.ShutdownTimeoutS)
	}
	if cfg.Capture.WarmupSeconds != 5 {
		t.Errorf("Expected default warmup_seconds 5, got %d", cfg.Capture.WarmupSeconds)
	}
	if cfg.MQTT.Topics.Commands != "rascam/commands" {
		t.Errorf("Expected derived commands topic, got %s", cfg.MQTT.Topics.Commands)
	}
	if cfg.MQTT.QoS["commands"] != 1 {
		t.Errorf("Expected default commands qos 1, got %d", cfg.MQTT.QoS["commands"])
	}
}

// TestLoadOverrides verifies explicit values win over defaults,
// including bools set to false
func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
camera:
  id: cam1
  frame_rate: 30
recording:
  post_record_seconds: 20
  max_storage_gb: 2.5
thermal:
  enabled: false
mqtt:
  enabled: false
capture:
  backend: rtsp
  rtsp_url: rtsp://192.168.1.50:8554/cam
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Camera.FrameRate != 30 {
		t.Errorf("Expected frame_rate 30, got %d", cfg.Camera.FrameRate)
	}
	if cfg.Recording.PostRecord() != 20*time.Second {
		t.Errorf("Expected post_record 20s, got %s", cfg.Recording.PostRecord())
	}
	if cfg.Recording.MaxStorageGB != 2.5 {
		t.Errorf("Expected max_storage_gb 2.5, got %g", cfg.Recording.MaxStorageGB)
	}
	if cfg.Thermal.Enabled {
		t.Error("Expected thermal disabled")
	}
	if cfg.MQTT.Enabled {
		t.Error("Expected mqtt disabled")
	}
	if cfg.Capture.RTSPURL != "rtsp://192.168.1.50:8554/cam" {
		t.Errorf("Expected rtsp url preserved, got %s", cfg.Capture.RTSPURL)
	}
}

// TestLoadMissingFile verifies a clear error for an absent path
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

// TestLoadMalformedYAML verifies parse failures surface
func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "camera: [this is not\n  a mapping")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed yaml, got nil")
	}
}

// TestValidateRejections verifies the validator catches each broken
// field
func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"empty camera id", func(c *Config) { c.Camera.ID = "" }, "camera.id"},
		{"uppercase camera id", func(c *Config) { c.Camera.ID = "Cam1" }, "camera.id"},
		{"zero frame rate", func(c *Config) { c.Camera.FrameRate = 0 }, "frame_rate"},
		{"zero analysis width", func(c *Config) { c.Analysis.Width = 0 }, "analysis"},
		{"bogus sensitivity", func(c *Config) { c.Motion.Sensitivity = "paranoid" }, "sensitivity"},
		{"negative threshold", func(c *Config) { c.Motion.Threshold = -1 }, "threshold"},
		{"zero debounce", func(c *Config) { c.Motion.RequiredConsecutiveFrames = 0 }, "required_consecutive_frames"},
		{"empty storage path", func(c *Config) { c.Recording.StoragePath = "" }, "storage_path"},
		{"zero segment", func(c *Config) { c.Recording.SegmentSeconds = 0 }, "segment_seconds"},
		{"negative retention", func(c *Config) { c.Recording.RetentionDays = -1 }, "retention_days"},
		{"zero cleanup interval", func(c *Config) { c.Recording.CleanupIntervalSeconds = 0 }, "cleanup_interval"},
		{"descending thresholds", func(c *Config) { c.Thermal.ThrottleC = 65 }, "ascending"},
		{"throttled above nominal", func(c *Config) { c.Thermal.ThrottledFPS = 20 }, "throttled_fps"},
		{"critical above throttled", func(c *Config) { c.Thermal.CriticalFPS = 12 }, "critical_fps"},
		{"bogus thermal sensor", func(c *Config) { c.Thermal.Sensor = "ouija" }, "thermal.sensor"},
		{"bogus backend", func(c *Config) { c.Capture.Backend = "webcam" }, "capture.backend"},
		{"rtsp without url", func(c *Config) { c.Capture.Backend = "rtsp"; c.Capture.RTSPURL = "" }, "rtsp_url"},
		{"picam without helper", func(c *Config) { c.Capture.PicamHelper = "" }, "picam_helper"},
		{"negative warmup", func(c *Config) { c.Capture.WarmupSeconds = -1 }, "warmup_seconds"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Broker = "" }, "mqtt.broker"},
		{"health without addr", func(c *Config) { c.Health.Addr = "" }, "health.addr"},
		{"bogus log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error mentioning %q, got %q", tt.wantMsg, err)
			}
		})
	}
}

// TestValidateDefaultsPass verifies the default tree is valid as-is
func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

// TestDurationHelpers verifies second fields convert cleanly
func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.Recording.PreRecord() != 5*time.Second {
		t.Errorf("Expected pre_record 5s, got %s", cfg.Recording.PreRecord())
	}
	if cfg.Recording.SegmentDuration() != 5*time.Minute {
		t.Errorf("Expected segment 5m, got %s", cfg.Recording.SegmentDuration())
	}
	if cfg.Recording.CleanupInterval() != 5*time.Minute {
		t.Errorf("Expected cleanup interval 5m, got %s", cfg.Recording.CleanupInterval())
	}
	if cfg.Thermal.PollInterval() != 10*time.Second {
		t.Errorf("Expected poll interval 10s, got %s", cfg.Thermal.PollInterval())
	}
}

// TestTopicDerivation verifies topics follow a custom prefix unless
// pinned explicitly
func TestTopicDerivation(t *testing.T) {
	cfg := Default()
	cfg.MQTT.TopicPrefix = "home/cams"
	cfg.MQTT.Topics.Health = "fleet/health/cam1"

	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.MQTT.Topics.Events != "home/cams/events" {
		t.Errorf("Expected derived events topic, got %s", cfg.MQTT.Topics.Events)
	}
	if cfg.MQTT.Topics.Health != "fleet/health/cam1" {
		t.Errorf("Expected pinned health topic preserved, got %s", cfg.MQTT.Topics.Health)
	}
}
