package core

import (
	"fmt"
	"time"

	"github.com/muzapapa-glitch/RasCam/internal/control"
	"github.com/muzapapa-glitch/RasCam/internal/motion"
	"github.com/muzapapa-glitch/RasCam/internal/thermal"
	"github.com/muzapapa-glitch/RasCam/internal/types"
	"github.com/muzapapa-glitch/RasCam/internal/zone"
)

func (s *Service) commandCallbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus: s.getStatus,
		OnPause:     s.pauseDetection,
		OnResume:    s.resumeDetection,
		OnShutdown:  s.shutdownViaControl,

		OnAddZone:     s.addZone,
		OnRemoveZone:  s.detector.RemoveZone,
		OnEnableZone:  s.detector.EnableZone,
		OnDisableZone: s.detector.DisableZone,
		OnListZones:   s.listZones,

		OnSetSensitivity:    s.setSensitivity,
		OnSetThreshold:      s.detector.UpdateThreshold,
		OnSetRequiredFrames: s.detector.UpdateRequiredFrames,
		OnSetPostRecord:     s.setPostRecord,
		OnSetFrameRate:      s.setFrameRate,

		OnListRecordings:  s.listRecordings,
		OnDeleteRecording: s.deleteRecording,
		OnStorageStats:    s.storageStats,
		OnForceCleanup:    s.forceCleanup,

		OnThermalStatus:  s.thermalStatus,
		OnThermalHistory: s.thermalHistory,
	}
}

// pauseDetection stops scoring frames. The frame loop finalizes any
// open recording on its next cycle; see closePausedSession.
func (s *Service) pauseDetection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isPaused {
		return fmt.Errorf("detection is already paused")
	}
	s.isPaused = true
	s.logger.Info("detection paused")
	return nil
}

func (s *Service) resumeDetection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPaused {
		return fmt.Errorf("detection is not paused")
	}
	s.isPaused = false
	s.logger.Info("detection resumed")
	return nil
}

func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	cancel := s.cancelCtx
	s.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	s.logger.Info("shutdown requested via control plane")
	cancel()
	return nil
}

func (s *Service) addZone(name string, x, y, width, height int) error {
	return s.detector.AddZone(zone.Zone{
		Name:    name,
		Rect:    types.Rect{X: x, Y: y, Width: width, Height: height},
		Enabled: true,
	})
}

func (s *Service) listZones() map[string]interface{} {
	zones := s.detector.Zones().List()
	width, height := s.detector.Zones().FrameBounds()
	return map[string]interface{}{
		"zones": zones,
		"count": len(zones),
		"frame": fmt.Sprintf("%dx%d", width, height),
	}
}

func (s *Service) setSensitivity(preset string) error {
	threshold, err := motion.ThresholdForPreset(preset)
	if err != nil {
		return err
	}
	if err := s.detector.UpdateThreshold(threshold); err != nil {
		return err
	}
	s.logger.Info("sensitivity updated", "preset", preset, "threshold", threshold)
	return nil
}

func (s *Service) setPostRecord(seconds int) error {
	s.mu.RLock()
	rec := s.recorder
	s.mu.RUnlock()
	if rec == nil {
		return fmt.Errorf("service is not running")
	}
	if err := rec.SetPostRecord(time.Duration(seconds) * time.Second); err != nil {
		return err
	}
	s.logger.Info("post-record window updated", "seconds", seconds)
	return nil
}

// setFrameRate applies a manual rate. Refused while the thermal
// governor holds the camera off its nominal band: the governor owns
// the rate until the SoC cools down.
func (s *Service) setFrameRate(fps int) error {
	s.mu.RLock()
	src := s.capture
	mon := s.thermal
	s.mu.RUnlock()
	if src == nil {
		return fmt.Errorf("service is not running")
	}
	if mon != nil {
		if band := mon.Band(); band != thermal.BandNormal {
			return fmt.Errorf("thermal governor is active (band %s), manual rate change refused", band)
		}
	}
	if err := src.SetFrameRate(fps); err != nil {
		return err
	}
	s.metrics.TargetFPS.Set(float64(fps))
	s.logger.Info("frame rate updated", "fps", fps)
	return nil
}

func (s *Service) listRecordings() map[string]interface{} {
	s.mu.RLock()
	rec := s.recorder
	s.mu.RUnlock()
	if rec == nil {
		return map[string]interface{}{"error": "service is not running"}
	}
	recordings, err := rec.Recordings()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return map[string]interface{}{
		"recordings": recordings,
		"count":      len(recordings),
	}
}

func (s *Service) deleteRecording(filename string) error {
	s.mu.RLock()
	rec := s.recorder
	s.mu.RUnlock()
	if rec == nil {
		return fmt.Errorf("service is not running")
	}
	return rec.DeleteRecording(filename)
}

func (s *Service) storageStats() map[string]interface{} {
	s.mu.RLock()
	rec := s.recorder
	s.mu.RUnlock()
	if rec == nil {
		return map[string]interface{}{"error": "service is not running"}
	}
	stats, err := rec.StorageStats()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	result := map[string]interface{}{
		"total_bytes":   stats.TotalBytes,
		"free_bytes":    stats.FreeBytes,
		"max_bytes":     stats.MaxBytes,
		"usage_percent": stats.UsagePercent,
		"count":         stats.Count,
	}
	if !stats.LastCleanup.IsZero() {
		result["last_cleanup"] = stats.LastCleanup
	}
	return result
}

func (s *Service) forceCleanup() map[string]interface{} {
	s.mu.RLock()
	rec := s.recorder
	s.mu.RUnlock()
	if rec == nil {
		return map[string]interface{}{"error": "service is not running"}
	}
	res := s.runCleanup()
	return map[string]interface{}{
		"scanned":     res.Scanned,
		"deleted":     res.Deleted,
		"failed":      res.Failed,
		"freed_bytes": res.FreedBytes,
	}
}

func (s *Service) thermalStatus() map[string]interface{} {
	s.mu.RLock()
	mon := s.thermal
	s.mu.RUnlock()
	if mon == nil {
		return map[string]interface{}{"enabled": false}
	}
	st := mon.Status()
	return map[string]interface{}{
		"enabled":        true,
		"band":           st.Band,
		"temperature_c":  st.Temperature,
		"average_temp_c": st.AverageTemp,
		"sample_time":    st.SampleTime,
		"sensor_ok":      st.SensorOK,
		"thresholds":     st.Thresholds,
		"throttle_flags": st.Throttle,
		"history_size":   st.HistorySize,
	}
}

func (s *Service) thermalHistory(minutes int) map[string]interface{} {
	s.mu.RLock()
	mon := s.thermal
	s.mu.RUnlock()
	if mon == nil {
		return map[string]interface{}{"enabled": false}
	}
	samples := mon.History(minutes)
	return map[string]interface{}{
		"minutes": minutes,
		"count":   len(samples),
		"samples": samples,
	}
}
