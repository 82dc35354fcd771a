package capture

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/muzapapa-glitch/RasCam/internal/types"
)

// frameTimesAt builds timestamps separated by the given intervals
func frameTimesAt(start time.Time, intervals ...time.Duration) []time.Time {
	times := []time.Time{start}
	for _, iv := range intervals {
		times = append(times, times[len(times)-1].Add(iv))
	}
	return times
}

// TestFPSStatsSteadyStream verifies a uniform stream reads as stable
// with the expected mean
func TestFPSStatsSteadyStream(t *testing.T) {
	start := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	intervals := make([]time.Duration, 20)
	for i := range intervals {
		intervals[i] = 100 * time.Millisecond
	}
	times := frameTimesAt(start, intervals...)

	stats := calculateFPSStats(times, 2100*time.Millisecond)

	if stats.FramesReceived != 21 {
		t.Errorf("Expected 21 frames, got %d", stats.FramesReceived)
	}
	if math.Abs(stats.FPSMean-10.0) > 0.5 {
		t.Errorf("Expected mean near 10 fps, got %.2f", stats.FPSMean)
	}
	if !stats.IsStable {
		t.Errorf("Expected steady stream to be stable, stddev %.2f", stats.FPSStdDev)
	}
	if stats.FPSMin > stats.FPSMean || stats.FPSMax < stats.FPSMean {
		t.Errorf("Expected min <= mean <= max, got %.2f / %.2f / %.2f",
			stats.FPSMin, stats.FPSMean, stats.FPSMax)
	}
}

// TestFPSStatsJitteryStream verifies alternating long and short
// intervals read as unstable
func TestFPSStatsJitteryStream(t *testing.T) {
	start := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	intervals := make([]time.Duration, 20)
	for i := range intervals {
		if i%2 == 0 {
			intervals[i] = 50 * time.Millisecond
		} else {
			intervals[i] = 150 * time.Millisecond
		}
	}
	times := frameTimesAt(start, intervals...)

	stats := calculateFPSStats(times, 2*time.Second)

	if stats.IsStable {
		t.Errorf("Expected jittery stream to be unstable, stddev %.2f mean %.2f",
			stats.FPSStdDev, stats.FPSMean)
	}
	if stats.FPSMax <= stats.FPSMin {
		t.Errorf("Expected spread between min and max, got %.2f / %.2f",
			stats.FPSMin, stats.FPSMax)
	}
}

// TestWarmupConsumesFrames verifies the warm-up window drains the
// channel and reports delivery stats
func TestWarmupConsumesFrames(t *testing.T) {
	src := NewMock(32, 24, 50, "cam1", testLogger())
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Stop()

	stats, err := Warmup(context.Background(), src.Frames(), 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}
	if stats.FramesReceived < 2 {
		t.Errorf("Expected at least 2 frames during warm-up, got %d", stats.FramesReceived)
	}
	if stats.FPSMean <= 0 {
		t.Errorf("Expected positive mean fps, got %.2f", stats.FPSMean)
	}
}

// TestWarmupClosedChannel verifies a dead capture source surfaces as an
// error instead of an empty result
func TestWarmupClosedChannel(t *testing.T) {
	frames := make(chan types.AnalysisFrame)
	close(frames)

	if _, err := Warmup(context.Background(), frames, time.Second); err == nil {
		t.Error("Expected error for closed frame channel, got nil")
	}
}

// TestWarmupTooFewFrames verifies a silent stream fails the warm-up
func TestWarmupTooFewFrames(t *testing.T) {
	frames := make(chan types.AnalysisFrame, 1)
	frames <- types.AnalysisFrame{Timestamp: time.Now()}

	if _, err := Warmup(context.Background(), frames, 100*time.Millisecond); err == nil {
		t.Error("Expected error for single-frame warm-up, got nil")
	}
}
