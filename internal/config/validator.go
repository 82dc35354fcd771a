package config

import (
	"fmt"
	"regexp"
)

var cameraIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills derived fields
func Validate(cfg *Config) error {
	if cfg.Camera.ID == "" {
		return fmt.Errorf("camera.id is required")
	}
	if !cameraIDPattern.MatchString(cfg.Camera.ID) {
		return fmt.Errorf("camera.id must match pattern [a-z0-9-]+")
	}
	if cfg.Camera.FrameRate <= 0 {
		return fmt.Errorf("camera.frame_rate must be > 0")
	}

	if cfg.Analysis.Width <= 0 || cfg.Analysis.Height <= 0 {
		return fmt.Errorf("analysis resolution must be positive, got %dx%d",
			cfg.Analysis.Width, cfg.Analysis.Height)
	}

	if err := validateMotion(&cfg.Motion); err != nil {
		return err
	}
	if err := validateRecording(&cfg.Recording); err != nil {
		return err
	}
	if err := validateThermal(&cfg.Thermal, cfg.Camera.FrameRate); err != nil {
		return err
	}
	if err := validateCapture(&cfg.Capture); err != nil {
		return err
	}

	if cfg.MQTT.Enabled {
		if err := validateMQTT(&cfg.MQTT); err != nil {
			return err
		}
	}

	if cfg.Health.Enabled && cfg.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health.enabled")
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	return nil
}

func validateMotion(m *MotionConfig) error {
	switch m.Sensitivity {
	case "", "low", "medium", "high", "very_high":
	default:
		return fmt.Errorf("motion.sensitivity must be low, medium, high or very_high, got %q", m.Sensitivity)
	}
	if m.Threshold < 0 {
		return fmt.Errorf("motion.threshold must be >= 0, got %g", m.Threshold)
	}
	if m.RequiredConsecutiveFrames <= 0 {
		return fmt.Errorf("motion.required_consecutive_frames must be > 0, got %d", m.RequiredConsecutiveFrames)
	}
	return nil
}

func validateRecording(r *RecordingConfig) error {
	if r.StoragePath == "" {
		return fmt.Errorf("recording.storage_path is required")
	}
	if r.PreRecordSeconds < 0 {
		return fmt.Errorf("recording.pre_record_seconds must be >= 0, got %d", r.PreRecordSeconds)
	}
	if r.PostRecordSeconds < 0 {
		return fmt.Errorf("recording.post_record_seconds must be >= 0, got %d", r.PostRecordSeconds)
	}
	if r.SegmentSeconds <= 0 {
		return fmt.Errorf("recording.segment_seconds must be > 0, got %d", r.SegmentSeconds)
	}
	if r.RetentionDays < 0 {
		return fmt.Errorf("recording.retention_days must be >= 0, got %d", r.RetentionDays)
	}
	if r.MaxStorageGB < 0 {
		return fmt.Errorf("recording.max_storage_gb must be >= 0, got %g", r.MaxStorageGB)
	}
	if r.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("recording.cleanup_interval_seconds must be > 0, got %d", r.CleanupIntervalSeconds)
	}
	return nil
}

func validateThermal(t *ThermalConfig, nominalFPS int) error {
	if !t.Enabled {
		return nil
	}
	switch t.Sensor {
	case "", "vcgencmd", "sysfs":
	default:
		return fmt.Errorf("thermal.sensor must be vcgencmd or sysfs, got %q", t.Sensor)
	}
	if t.PollIntervalSeconds <= 0 {
		return fmt.Errorf("thermal.poll_interval_seconds must be > 0, got %d", t.PollIntervalSeconds)
	}
	if !(t.WarnC < t.ThrottleC && t.ThrottleC < t.CriticalC) {
		return fmt.Errorf("thermal thresholds must be strictly ascending, got warn=%g throttle=%g critical=%g",
			t.WarnC, t.ThrottleC, t.CriticalC)
	}
	if t.ThrottledFPS <= 0 || t.CriticalFPS <= 0 {
		return fmt.Errorf("thermal fps targets must be > 0, got throttled=%d critical=%d",
			t.ThrottledFPS, t.CriticalFPS)
	}
	if t.ThrottledFPS > nominalFPS {
		return fmt.Errorf("thermal.throttled_fps (%d) must not exceed camera.frame_rate (%d)",
			t.ThrottledFPS, nominalFPS)
	}
	if t.CriticalFPS > t.ThrottledFPS {
		return fmt.Errorf("thermal.critical_fps (%d) must not exceed thermal.throttled_fps (%d)",
			t.CriticalFPS, t.ThrottledFPS)
	}
	return nil
}

func validateCapture(c *CaptureConfig) error {
	switch c.Backend {
	case "picam":
		if c.PicamHelper == "" {
			return fmt.Errorf("capture.picam_helper is required for the picam backend")
		}
	case "rtsp":
		if c.RTSPURL == "" {
			return fmt.Errorf("capture.rtsp_url is required for the rtsp backend")
		}
	case "mock":
	default:
		return fmt.Errorf("capture.backend must be picam, rtsp or mock, got %q", c.Backend)
	}
	if c.WarmupSeconds < 0 {
		return fmt.Errorf("capture.warmup_seconds must be >= 0, got %d", c.WarmupSeconds)
	}
	return nil
}

func validateMQTT(m *MQTTConfig) error {
	if m.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled")
	}
	if m.ClientID == "" {
		m.ClientID = "rascam"
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "rascam"
	}

	// Derive topics from the prefix when not set explicitly
	if m.Topics.Commands == "" {
		m.Topics.Commands = fmt.Sprintf("%s/commands", m.TopicPrefix)
	}
	if m.Topics.Responses == "" {
		m.Topics.Responses = fmt.Sprintf("%s/responses", m.TopicPrefix)
	}
	if m.Topics.Events == "" {
		m.Topics.Events = fmt.Sprintf("%s/events", m.TopicPrefix)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("%s/health", m.TopicPrefix)
	}

	if m.QoS == nil {
		m.QoS = map[string]byte{
			"commands":  1,
			"responses": 1,
			"events":    0,
			"health":    0,
		}
	}
	return nil
}
