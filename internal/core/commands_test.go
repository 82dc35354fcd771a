package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestPauseResumeGuards verifies the pause flag flips exactly once per
// direction.
func TestPauseResumeGuards(t *testing.T) {
	svc := newTestService(t)

	if err := svc.resumeDetection(); err == nil {
		t.Error("Expected error resuming a service that is not paused")
	}
	if err := svc.pauseDetection(); err != nil {
		t.Fatalf("pauseDetection failed: %v", err)
	}
	if !svc.paused() {
		t.Error("Expected paused after pauseDetection")
	}
	if err := svc.pauseDetection(); err == nil {
		t.Error("Expected error pausing twice")
	}
	if err := svc.resumeDetection(); err != nil {
		t.Fatalf("resumeDetection failed: %v", err)
	}
	if svc.paused() {
		t.Error("Expected not paused after resumeDetection")
	}
}

// TestSetSensitivityCommand verifies presets update the live threshold
// and unknown presets are rejected.
func TestSetSensitivityCommand(t *testing.T) {
	svc := newTestService(t)

	if err := svc.setSensitivity("high"); err != nil {
		t.Fatalf("setSensitivity failed: %v", err)
	}
	if got := svc.detector.Threshold(); got != 4.0 {
		t.Errorf("Expected high preset threshold 4.0, got %f", got)
	}
	if err := svc.setSensitivity("maximum"); err == nil {
		t.Error("Expected error for unknown preset")
	}
}

// TestAddZoneCommand verifies zone additions land in the detector and
// show up in the listing.
func TestAddZoneCommand(t *testing.T) {
	svc := newTestService(t)

	if err := svc.addZone("door", 10, 10, 50, 50); err != nil {
		t.Fatalf("addZone failed: %v", err)
	}
	if err := svc.addZone("door", 0, 0, 20, 20); err == nil {
		t.Error("Expected error adding a duplicate zone name")
	}
	if err := svc.addZone("outside", 300, 200, 100, 100); err == nil {
		t.Error("Expected error for a zone beyond frame bounds")
	}

	listing := svc.listZones()
	if got := listing["count"]; got != 2 {
		t.Errorf("Expected 2 zones (full_frame plus door), got %v", got)
	}
}

// TestCommandsRequireRunningService verifies recorder and capture
// commands fail cleanly before Run has built those components.
func TestCommandsRequireRunningService(t *testing.T) {
	svc := newTestService(t)

	if err := svc.setPostRecord(5); err == nil {
		t.Error("Expected setPostRecord to fail without a recorder")
	}
	if err := svc.setFrameRate(10); err == nil {
		t.Error("Expected setFrameRate to fail without capture")
	}
	if err := svc.deleteRecording("x.mp4"); err == nil {
		t.Error("Expected deleteRecording to fail without a recorder")
	}
	if _, ok := svc.listRecordings()["error"]; !ok {
		t.Error("Expected listRecordings error payload without a recorder")
	}
	if _, ok := svc.storageStats()["error"]; !ok {
		t.Error("Expected storageStats error payload without a recorder")
	}
	if _, ok := svc.forceCleanup()["error"]; !ok {
		t.Error("Expected forceCleanup error payload without a recorder")
	}
}

// TestSetPostRecordCommand verifies the grace window update reaches
// the state machine.
func TestSetPostRecordCommand(t *testing.T) {
	svc := newTestService(t)
	wireRecorder(t, svc, 10*time.Second)

	if err := svc.setPostRecord(25); err != nil {
		t.Fatalf("setPostRecord failed: %v", err)
	}
	if got := svc.recorder.PostRecord(); got != 25*time.Second {
		t.Errorf("Expected post-record 25s, got %v", got)
	}
	if err := svc.setPostRecord(0); err == nil {
		t.Error("Expected error for non-positive post-record")
	}
}

// TestSetFrameRateCommand verifies manual rate changes reach the
// capture backend when no thermal governor is interfering.
func TestSetFrameRateCommand(t *testing.T) {
	svc := newTestService(t)
	mock := wireRecorder(t, svc, time.Hour)

	if err := svc.setFrameRate(12); err != nil {
		t.Fatalf("setFrameRate failed: %v", err)
	}
	if got := mock.Stats().FPSTarget; got != 12 {
		t.Errorf("Expected target fps 12, got %d", got)
	}
	if err := svc.setFrameRate(-1); err == nil {
		t.Error("Expected error for negative frame rate")
	}
}

// TestRecordingCommands verifies listing, stats and deletion against
// real files in the store.
func TestRecordingCommands(t *testing.T) {
	svc := newTestService(t)
	wireRecorder(t, svc, time.Hour)

	name := "20260820_093000_motion_cam1.mp4"
	path := filepath.Join(svc.cfg.Recording.StoragePath, name)
	if err := os.WriteFile(path, []byte("clip"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	listing := svc.listRecordings()
	if got := listing["count"]; got != 1 {
		t.Fatalf("Expected 1 recording, got %v", got)
	}

	stats := svc.storageStats()
	if _, ok := stats["error"]; ok {
		t.Fatalf("storageStats returned error: %v", stats["error"])
	}
	if got, ok := stats["count"].(int); !ok || got != 1 {
		t.Errorf("Expected storage count 1, got %v", stats["count"])
	}

	if err := svc.deleteRecording(name); err != nil {
		t.Fatalf("deleteRecording failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected file to be deleted")
	}
}

// TestThermalCommandsDisabled verifies the thermal queries degrade to
// an enabled:false payload when the governor is off.
func TestThermalCommandsDisabled(t *testing.T) {
	svc := newTestService(t)

	if got := svc.thermalStatus()["enabled"]; got != false {
		t.Errorf("Expected thermal status enabled false, got %v", got)
	}
	if got := svc.thermalHistory(5)["enabled"]; got != false {
		t.Errorf("Expected thermal history enabled false, got %v", got)
	}
}

// TestShutdownViaControlRequiresRun verifies the command refuses when
// no run context exists to cancel.
func TestShutdownViaControlRequiresRun(t *testing.T) {
	svc := newTestService(t)

	if err := svc.shutdownViaControl(); err == nil {
		t.Error("Expected error shutting down a service that never ran")
	}
}

// TestCommandCallbacksComplete verifies every callback slot the
// control handler dispatches on is wired.
func TestCommandCallbacksComplete(t *testing.T) {
	svc := newTestService(t)
	cb := svc.commandCallbacks()

	if cb.OnGetStatus == nil || cb.OnPause == nil || cb.OnResume == nil || cb.OnShutdown == nil {
		t.Error("Service lifecycle callbacks missing")
	}
	if cb.OnAddZone == nil || cb.OnRemoveZone == nil || cb.OnEnableZone == nil ||
		cb.OnDisableZone == nil || cb.OnListZones == nil {
		t.Error("Zone callbacks missing")
	}
	if cb.OnSetSensitivity == nil || cb.OnSetThreshold == nil || cb.OnSetRequiredFrames == nil ||
		cb.OnSetPostRecord == nil || cb.OnSetFrameRate == nil {
		t.Error("Tuning callbacks missing")
	}
	if cb.OnListRecordings == nil || cb.OnDeleteRecording == nil ||
		cb.OnStorageStats == nil || cb.OnForceCleanup == nil {
		t.Error("Recording callbacks missing")
	}
	if cb.OnThermalStatus == nil || cb.OnThermalHistory == nil {
		t.Error("Thermal callbacks missing")
	}

	status := cb.OnGetStatus()
	if status["running"] != false {
		t.Errorf("Expected running false before Run, got %v", status["running"])
	}
}
