package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete RasCam configuration
type Config struct {
	ShutdownTimeoutS int `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)

	Camera    CameraConfig    `yaml:"camera"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Motion    MotionConfig    `yaml:"motion"`
	Recording RecordingConfig `yaml:"recording"`
	Thermal   ThermalConfig   `yaml:"thermal"`
	Capture   CaptureConfig   `yaml:"capture"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log"`
}

// CameraConfig contains camera identity and nominal rate
type CameraConfig struct {
	ID        string `yaml:"id"`
	FrameRate int    `yaml:"frame_rate"` // nominal fps, thermal governor returns here
}

// AnalysisConfig is the low-resolution stream the detector runs on
type AnalysisConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// MotionConfig contains detection tuning
type MotionConfig struct {
	Sensitivity               string  `yaml:"sensitivity"` // low, medium, high, very_high
	Threshold                 float64 `yaml:"threshold"`   // >0 overrides the preset
	RequiredConsecutiveFrames int     `yaml:"required_consecutive_frames"`
}

// RecordingConfig contains recording lifecycle and storage settings
type RecordingConfig struct {
	StoragePath            string  `yaml:"storage_path"`
	PreRecordSeconds       int     `yaml:"pre_record_seconds"`
	PostRecordSeconds      int     `yaml:"post_record_seconds"`
	SegmentSeconds         int     `yaml:"segment_seconds"`
	RetentionDays          int     `yaml:"retention_days"`
	MaxStorageGB           float64 `yaml:"max_storage_gb"`
	CleanupIntervalSeconds int     `yaml:"cleanup_interval_seconds"`
}

// PreRecord returns the pre-record window as a duration
func (r RecordingConfig) PreRecord() time.Duration {
	return time.Duration(r.PreRecordSeconds) * time.Second
}

// PostRecord returns the post-motion grace window as a duration
func (r RecordingConfig) PostRecord() time.Duration {
	return time.Duration(r.PostRecordSeconds) * time.Second
}

// SegmentDuration returns the segment rotation interval as a duration
func (r RecordingConfig) SegmentDuration() time.Duration {
	return time.Duration(r.SegmentSeconds) * time.Second
}

// CleanupInterval returns the retention sweep cadence as a duration
func (r RecordingConfig) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalSeconds) * time.Second
}

// ThermalConfig contains the SoC temperature governor settings
type ThermalConfig struct {
	Enabled             bool    `yaml:"enabled"`
	Sensor              string  `yaml:"sensor"` // vcgencmd, sysfs
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
	WarnC               float64 `yaml:"warn_c"`
	ThrottleC           float64 `yaml:"throttle_c"`
	CriticalC           float64 `yaml:"critical_c"`
	ThrottledFPS        int     `yaml:"throttled_fps"`
	CriticalFPS         int     `yaml:"critical_fps"`
}

// PollInterval returns the sensor poll cadence as a duration
func (t ThermalConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

// CaptureConfig selects and configures the camera backend
type CaptureConfig struct {
	Backend       string `yaml:"backend"` // picam, rtsp, mock
	PicamHelper   string `yaml:"picam_helper"`
	RTSPURL       string `yaml:"rtsp_url"`
	WarmupSeconds int    `yaml:"warmup_seconds"` // 0 skips the startup rate measurement
}

// Warmup returns the startup frame-rate measurement window as a
// duration
func (c CaptureConfig) Warmup() time.Duration {
	return time.Duration(c.WarmupSeconds) * time.Second
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool            `yaml:"enabled"`
	Broker      string          `yaml:"broker"`
	ClientID    string          `yaml:"client_id"`
	TopicPrefix string          `yaml:"topic_prefix"`
	Topics      MQTTTopics      `yaml:"topics"`
	QoS         map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names, derived from topic_prefix when left
// empty
type MQTTTopics struct {
	Commands  string `yaml:"commands"`
	Responses string `yaml:"responses"`
	Events    string `yaml:"events"`
	Health    string `yaml:"health"`
}

// HealthConfig contains the health/metrics HTTP endpoint settings
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the configuration used when a field is absent from
// the file
func Default() *Config {
	return &Config{
		ShutdownTimeoutS: 5,
		Camera: CameraConfig{
			ID:        "cam1",
			FrameRate: 15,
		},
		Analysis: AnalysisConfig{
			Width:  320,
			Height: 240,
		},
		Motion: MotionConfig{
			Sensitivity:               "medium",
			RequiredConsecutiveFrames: 3,
		},
		Recording: RecordingConfig{
			StoragePath:            "/var/lib/rascam/recordings",
			PreRecordSeconds:       5,
			PostRecordSeconds:      10,
			SegmentSeconds:         300,
			RetentionDays:          7,
			MaxStorageGB:           10,
			CleanupIntervalSeconds: 300,
		},
		Thermal: ThermalConfig{
			Enabled:             true,
			Sensor:              "vcgencmd",
			PollIntervalSeconds: 10,
			WarnC:               70,
			ThrottleC:           75,
			CriticalC:           80,
			ThrottledFPS:        10,
			CriticalFPS:         5,
		},
		Capture: CaptureConfig{
			Backend:       "picam",
			PicamHelper:   "/usr/lib/rascam/picam-helper.py",
			WarmupSeconds: 5,
		},
		MQTT: MQTTConfig{
			Enabled:     true,
			Broker:      "tcp://localhost:1883",
			ClientID:    "rascam",
			TopicPrefix: "rascam",
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8087",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file over the defaults and validates
// the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
