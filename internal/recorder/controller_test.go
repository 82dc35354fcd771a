package recorder

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeCapture struct {
	starts    []string
	stops     int
	failStart error
	failStop  error
}

func (f *fakeCapture) StartRecording(filename string) error {
	if f.failStart != nil {
		return f.failStart
	}
	f.starts = append(f.starts, filename)
	return nil
}

func (f *fakeCapture) StopRecording() error {
	if f.failStop != nil {
		return f.failStop
	}
	f.stops++
	return nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestController(t *testing.T) (*Controller, *fakeCapture, *fakeClock) {
	t.Helper()

	store, err := NewStore(t.TempDir(), 7, 10, slog.Default())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	capture := &fakeCapture{}
	ctrl, err := NewController(Config{
		CameraID:        "cam1",
		PreRecord:       5 * time.Second,
		PostRecord:      10 * time.Second,
		SegmentDuration: 5 * time.Minute,
	}, capture, store, slog.Default())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	clock := &fakeClock{t: time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local)}
	ctrl.now = clock.now
	store.now = clock.now
	return ctrl, capture, clock
}

// TestStartOnMotion verifies the Idle to Recording transition opens
// exactly one file on the first motion verdict.
func TestStartOnMotion(t *testing.T) {
	ctrl, capture, _ := newTestController(t)

	change, err := ctrl.Update(false)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if change.Transition != TransitionNone {
		t.Fatalf("Expected no transition without motion, got %v", change.Transition)
	}

	change, err = ctrl.Update(true)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if change.Transition != TransitionStarted {
		t.Fatalf("Expected started transition, got %v", change.Transition)
	}
	if ctrl.State() != StateRecording {
		t.Errorf("Expected state recording, got %v", ctrl.State())
	}
	if len(capture.starts) != 1 {
		t.Fatalf("Expected 1 file open, got %d", len(capture.starts))
	}
	if capture.starts[0] != change.Filename {
		t.Errorf("Change filename %q does not match opened file %q", change.Filename, capture.starts[0])
	}
	if !strings.Contains(change.Filename, "_motion_cam1.mp4") {
		t.Errorf("Filename missing marker and camera id: %q", change.Filename)
	}
	if ctrl.ActiveFilename() != change.Filename {
		t.Errorf("ActiveFilename %q, expected %q", ctrl.ActiveFilename(), change.Filename)
	}
}

// TestPredicatesNeverOpenFiles verifies repeated predicate calls in
// the same state cause no file operations.
func TestPredicatesNeverOpenFiles(t *testing.T) {
	ctrl, capture, _ := newTestController(t)

	for i := 0; i < 3; i++ {
		if !ctrl.ShouldStart(true) {
			t.Fatalf("Call %d: ShouldStart false while idle with motion", i)
		}
	}
	if len(capture.starts) != 0 {
		t.Fatalf("Predicate calls opened %d files", len(capture.starts))
	}

	if _, err := ctrl.Update(true); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// While recording, ShouldStart must be false and further motion
	// verdicts must not open a second file.
	if ctrl.ShouldStart(true) {
		t.Error("ShouldStart true while already recording")
	}
	for i := 0; i < 3; i++ {
		if _, err := ctrl.Update(true); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}
	if len(capture.starts) != 1 {
		t.Errorf("Expected 1 file open total, got %d", len(capture.starts))
	}

	for i := 0; i < 3; i++ {
		if ctrl.ShouldStop(true) {
			t.Error("ShouldStop true while motion continues")
		}
	}
	if capture.stops != 0 {
		t.Errorf("Predicate calls closed %d files", capture.stops)
	}
}

// TestPostRecordGrace verifies recording survives motion loss for the
// grace window and stops at its first check at or past expiry.
func TestPostRecordGrace(t *testing.T) {
	ctrl, capture, clock := newTestController(t)

	if _, err := ctrl.Update(true); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Motion gone: stay recording through second 9 of a 10s grace
	for i := 0; i < 9; i++ {
		clock.advance(time.Second)
		change, err := ctrl.Update(false)
		if err != nil {
			t.Fatalf("Update at +%ds failed: %v", i+1, err)
		}
		if change.Transition != TransitionNone {
			t.Fatalf("Transition %v at +%ds, before grace expiry", change.Transition, i+1)
		}
	}
	if ctrl.State() != StateRecording {
		t.Fatalf("Left recording before grace expiry")
	}

	// Second 10: grace reached exactly
	clock.advance(time.Second)
	change, err := ctrl.Update(false)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if change.Transition != TransitionStopped {
		t.Fatalf("Expected stopped transition at grace expiry, got %v", change.Transition)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("Expected state idle, got %v", ctrl.State())
	}
	if capture.stops != 1 {
		t.Errorf("Expected 1 file close, got %d", capture.stops)
	}
	if change.Duration != 10*time.Second {
		t.Errorf("Expected 10s session duration, got %v", change.Duration)
	}
	if ctrl.ActiveFilename() != "" {
		t.Errorf("ActiveFilename not cleared: %q", ctrl.ActiveFilename())
	}
}

// TestMotionExtendsGrace verifies a fresh motion verdict restarts the
// post-record countdown.
func TestMotionExtendsGrace(t *testing.T) {
	ctrl, _, clock := newTestController(t)

	ctrl.Update(true)

	clock.advance(8 * time.Second)
	ctrl.Update(true) // refreshes last motion time

	clock.advance(9 * time.Second)
	change, _ := ctrl.Update(false)
	if change.Transition != TransitionNone {
		t.Fatalf("Stopped 9s after last motion with 10s grace, got %v", change.Transition)
	}

	clock.advance(time.Second)
	change, _ = ctrl.Update(false)
	if change.Transition != TransitionStopped {
		t.Fatalf("Expected stop 10s after last motion, got %v", change.Transition)
	}
}

// TestSetPostRecordAppliesMidSession verifies a runtime grace change
// governs the session already in flight.
func TestSetPostRecordAppliesMidSession(t *testing.T) {
	ctrl, _, clock := newTestController(t)

	ctrl.Update(true)

	if err := ctrl.SetPostRecord(3 * time.Second); err != nil {
		t.Fatalf("SetPostRecord failed: %v", err)
	}
	if got := ctrl.PostRecord(); got != 3*time.Second {
		t.Fatalf("Expected 3s post-record, got %v", got)
	}

	clock.advance(2 * time.Second)
	change, _ := ctrl.Update(false)
	if change.Transition != TransitionNone {
		t.Fatalf("Stopped 2s after motion with 3s grace, got %v", change.Transition)
	}

	clock.advance(time.Second)
	change, _ = ctrl.Update(false)
	if change.Transition != TransitionStopped {
		t.Fatalf("Expected stop 3s after motion, got %v", change.Transition)
	}

	if err := ctrl.SetPostRecord(0); err == nil {
		t.Error("Expected error for zero post-record window")
	}
}

// TestSegmentationStaysRecording verifies long continuous motion
// rotates files on the segment boundary without leaving Recording.
func TestSegmentationStaysRecording(t *testing.T) {
	ctrl, capture, clock := newTestController(t)

	ctrl.Update(true)
	first := ctrl.ActiveFilename()

	var filenames []string
	filenames = append(filenames, first)

	// Two full segment boundaries under continuous motion
	for i := 0; i < 2; i++ {
		clock.advance(5 * time.Minute)
		change, err := ctrl.Update(true)
		if err != nil {
			t.Fatalf("Update at boundary %d failed: %v", i+1, err)
		}
		if change.Transition != TransitionSegmented {
			t.Fatalf("Expected segmented transition at boundary %d, got %v", i+1, change.Transition)
		}
		if ctrl.State() != StateRecording {
			t.Fatalf("Left recording during segmentation")
		}
		if change.Closed != filenames[len(filenames)-1] {
			t.Errorf("Boundary %d closed %q, expected %q", i+1, change.Closed, filenames[len(filenames)-1])
		}
		filenames = append(filenames, change.Filename)
	}

	seen := make(map[string]bool)
	for _, f := range filenames {
		if seen[f] {
			t.Errorf("Duplicate segment filename %q", f)
		}
		seen[f] = true
	}
	if len(capture.starts) != 3 {
		t.Errorf("Expected 3 file opens, got %d", len(capture.starts))
	}
	if capture.stops != 2 {
		t.Errorf("Expected 2 file closes, got %d", capture.stops)
	}

	st := ctrl.Status()
	if st.Segments != 3 {
		t.Errorf("Expected 3 segments in status, got %d", st.Segments)
	}

	t.Logf("✅ Segment rotation validated across %d files without leaving recording", len(filenames))
}

// TestGraceExpiryWinsOverSegmentation verifies an expired grace window
// closes the session even when the segment boundary has also passed.
func TestGraceExpiryWinsOverSegmentation(t *testing.T) {
	ctrl, capture, clock := newTestController(t)

	ctrl.Update(true)

	clock.advance(6 * time.Minute) // past both segment (5m) and grace (10s)
	change, err := ctrl.Update(false)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if change.Transition != TransitionStopped {
		t.Fatalf("Expected stopped transition, got %v", change.Transition)
	}
	if len(capture.starts) != 1 {
		t.Errorf("Rotation opened a file on a dying session: %d opens", len(capture.starts))
	}
}

// TestCloseFinalizesActiveSession verifies shutdown closes the open
// file cleanly and is a no-op when idle.
func TestCloseFinalizesActiveSession(t *testing.T) {
	ctrl, capture, _ := newTestController(t)

	ctrl.Update(true)
	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("Expected state idle after close, got %v", ctrl.State())
	}
	if capture.stops != 1 {
		t.Errorf("Expected 1 file close, got %d", capture.stops)
	}

	// Second close is a no-op
	if err := ctrl.Close(); err != nil {
		t.Fatalf("Repeated close failed: %v", err)
	}
	if capture.stops != 1 {
		t.Errorf("Repeated close hit the capture backend again")
	}

	// Idle close never touches the backend
	idle, idleCapture, _ := newTestController(t)
	if err := idle.Close(); err != nil {
		t.Fatalf("Idle close failed: %v", err)
	}
	if idleCapture.stops != 0 {
		t.Fatalf("Idle close touched the capture backend")
	}
}

// TestStopActiveStaysArmed verifies a forced stop leaves the machine
// ready to record on the next motion verdict.
func TestStopActiveStaysArmed(t *testing.T) {
	ctrl, capture, _ := newTestController(t)

	if err := ctrl.StopActive(); err != nil {
		t.Fatalf("Idle StopActive failed: %v", err)
	}
	if capture.stops != 0 {
		t.Fatalf("Idle StopActive touched the capture backend")
	}

	ctrl.Update(true)
	if err := ctrl.StopActive(); err != nil {
		t.Fatalf("StopActive failed: %v", err)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("Expected state idle after forced stop, got %v", ctrl.State())
	}
	if capture.stops != 1 {
		t.Errorf("Expected 1 file close, got %d", capture.stops)
	}

	change, err := ctrl.Update(true)
	if err != nil {
		t.Fatalf("Update after forced stop failed: %v", err)
	}
	if change.Transition != TransitionStarted {
		t.Fatalf("Expected started transition after forced stop, got %v", change.Transition)
	}
	if len(capture.starts) != 2 {
		t.Errorf("Expected 2 file opens, got %d", len(capture.starts))
	}
}

// TestCloseIgnoresLateVerdicts verifies a motion verdict arriving
// after shutdown cannot reopen a file on the closed machine.
func TestCloseIgnoresLateVerdicts(t *testing.T) {
	ctrl, capture, _ := newTestController(t)

	if _, err := ctrl.Update(true); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if capture.stops != 1 {
		t.Fatalf("Expected 1 file close, got %d", capture.stops)
	}

	// The frame loop may still drain a queued frame after shutdown
	// begins; its verdict must not restart the lifecycle.
	change, err := ctrl.Update(true)
	if err != nil {
		t.Fatalf("Update after close failed: %v", err)
	}
	if change.Transition != TransitionNone {
		t.Fatalf("Expected no transition after close, got %v", change.Transition)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("Expected state idle after close, got %v", ctrl.State())
	}
	if len(capture.starts) != 1 {
		t.Errorf("Late verdict opened a file: %d opens, %d closes", len(capture.starts), capture.stops)
	}
	if ctrl.ShouldStart(true) {
		t.Error("ShouldStart true on a closed machine")
	}
}

// TestStartFailureStaysIdle verifies a backend failure on open leaves
// the machine idle so the next verdict can retry.
func TestStartFailureStaysIdle(t *testing.T) {
	ctrl, capture, _ := newTestController(t)
	capture.failStart = errors.New("pipeline not ready")

	change, err := ctrl.Update(true)
	if err == nil {
		t.Fatal("Expected error when backend refuses to open")
	}
	if change.Transition != TransitionNone {
		t.Errorf("Expected no transition, got %v", change.Transition)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("Expected state idle, got %v", ctrl.State())
	}

	capture.failStart = nil
	if _, err := ctrl.Update(true); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if ctrl.State() != StateRecording {
		t.Errorf("Expected recording after retry, got %v", ctrl.State())
	}
}

// TestStopFailureStillIdles verifies a backend failure on close still
// discards the session instead of wedging in Recording.
func TestStopFailureStillIdles(t *testing.T) {
	ctrl, capture, clock := newTestController(t)

	ctrl.Update(true)
	capture.failStop = errors.New("muxer stall")

	clock.advance(time.Minute)
	change, err := ctrl.Update(false)
	if err == nil {
		t.Fatal("Expected error from failed close")
	}
	if change.Transition != TransitionStopped {
		t.Errorf("Expected stopped transition, got %v", change.Transition)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("Expected state idle, got %v", ctrl.State())
	}
}

// TestStatusSnapshot verifies the control-plane snapshot tracks the
// session and lifetime counters.
func TestStatusSnapshot(t *testing.T) {
	ctrl, _, clock := newTestController(t)

	st := ctrl.Status()
	if st.State != "idle" || st.ActiveFilename != "" {
		t.Fatalf("Unexpected idle status: %+v", st)
	}

	ctrl.Update(true)
	st = ctrl.Status()
	if st.State != "recording" {
		t.Errorf("Expected recording state, got %q", st.State)
	}
	if st.ActiveFilename == "" {
		t.Error("Active filename missing while recording")
	}
	if st.TotalRecordings != 1 {
		t.Errorf("Expected 1 total recording, got %d", st.TotalRecordings)
	}

	clock.advance(time.Minute)
	ctrl.Update(false)
	st = ctrl.Status()
	if st.State != "idle" {
		t.Errorf("Expected idle state, got %q", st.State)
	}
	if st.TotalRecordings != 1 {
		t.Errorf("Counter changed on stop: %d", st.TotalRecordings)
	}
}
