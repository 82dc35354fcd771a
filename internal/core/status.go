package core

import (
	"time"

	"github.com/muzapapa-glitch/RasCam/internal/motion"
)

// getStatus returns the current service status for the control plane
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]interface{}{
		"camera_id": s.cfg.Camera.ID,
		"uptime_s":  time.Since(s.started).Seconds(),
		"running":   s.isRunning,
		"paused":    s.isPaused,
	}

	if s.capture != nil {
		captureStats := s.capture.Stats()
		status["capture"] = map[string]interface{}{
			"connected":   captureStats.IsConnected,
			"fps_real":    captureStats.FPSReal,
			"fps_target":  captureStats.FPSTarget,
			"frame_count": captureStats.FrameCount,
			"dropped":     captureStats.Dropped,
			"reconnects":  captureStats.Reconnects,
			"recording":   captureStats.Recording,
		}
	}

	threshold := s.detector.Threshold()
	status["motion"] = map[string]interface{}{
		"threshold":       threshold,
		"sensitivity":     motion.PresetForThreshold(threshold),
		"required_frames": s.detector.RequiredFrames(),
		"frames_seen":     s.detector.FramesSeen(),
		"zone_count":      s.detector.Zones().Len(),
	}

	if s.recorder != nil {
		recStatus := s.recorder.Status()
		rec := map[string]interface{}{
			"state":            recStatus.State,
			"total_recordings": recStatus.TotalRecordings,
			"total_segments":   recStatus.TotalSegments,
		}
		if recStatus.ActiveFilename != "" {
			rec["active_filename"] = recStatus.ActiveFilename
			rec["started_at"] = recStatus.StartedAt
			rec["segments"] = recStatus.Segments
		}
		status["recorder"] = rec
	}

	if s.thermal != nil {
		thermalStatus := s.thermal.Status()
		status["thermal"] = map[string]interface{}{
			"band":           thermalStatus.Band,
			"temperature_c":  thermalStatus.Temperature,
			"average_temp_c": thermalStatus.AverageTemp,
			"sensor_ok":      thermalStatus.SensorOK,
		}
	}

	busStats := s.bus.Stats()
	status["events"] = map[string]interface{}{
		"published": busStats.TotalPublished,
		"sent":      busStats.TotalSent,
		"dropped":   busStats.TotalDropped,
	}

	if s.emitter != nil {
		emitterStats := s.emitter.Stats()
		status["emitter"] = map[string]interface{}{
			"connected": emitterStats.Connected,
			"published": emitterStats.Published,
			"errors":    emitterStats.Errors,
		}
	}

	// Configuration metadata so operators can confirm what the
	// daemon is actually running with
	status["config"] = map[string]interface{}{
		"capture": map[string]interface{}{
			"backend":    s.cfg.Capture.Backend,
			"analysis":   map[string]int{"width": s.cfg.Analysis.Width, "height": s.cfg.Analysis.Height},
			"frame_rate": s.cfg.Camera.FrameRate,
		},
		"recording": map[string]interface{}{
			"storage_path":   s.cfg.Recording.StoragePath,
			"pre_record_s":   s.cfg.Recording.PreRecordSeconds,
			"post_record_s":  s.cfg.Recording.PostRecordSeconds,
			"segment_s":      s.cfg.Recording.SegmentSeconds,
			"retention_days": s.cfg.Recording.RetentionDays,
		},
		"mqtt": map[string]interface{}{
			"broker":         s.cfg.MQTT.Broker,
			"commands_topic": s.cfg.MQTT.Topics.Commands,
			"events_topic":   s.cfg.MQTT.Topics.Events,
		},
	}

	return status
}
