package thermal

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type fakeSensor struct {
	temp float64
	err  error
}

func (f *fakeSensor) ReadTemperature(_ context.Context) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.temp, nil
}

type fakeRate struct {
	calls []int
}

func (f *fakeRate) SetFrameRate(fps int) error {
	f.calls = append(f.calls, fps)
	return nil
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeSensor, *fakeRate) {
	t.Helper()
	sensor := &fakeSensor{temp: 50}
	rate := &fakeRate{}
	m, err := NewMonitor(Config{
		Interval:          10 * time.Second,
		WarningThreshold:  70,
		ThrottleThreshold: 75,
		CriticalThreshold: 80,
		NominalFPS:        15,
		ThrottledFPS:      10,
		CriticalFPS:       5,
	}, sensor, rate, slog.Default())
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}
	return m, sensor, rate
}

// TestBandTransitionSequence verifies the rate controller fires once
// per band change, never per sample: 68, 72, 77, 82, 76, 68 yields
// exactly throttled, critical, throttled, nominal.
func TestBandTransitionSequence(t *testing.T) {
	m, sensor, rate := newTestMonitor(t)
	ctx := context.Background()

	steps := []struct {
		temp      float64
		wantBand  Band
		wantCalls []int
	}{
		{68, BandNormal, nil},
		{72, BandWarning, nil}, // warning logs only
		{77, BandThrottled, []int{10}},
		{82, BandCritical, []int{10, 5}},
		{76, BandThrottled, []int{10, 5, 10}},
		{68, BandNormal, []int{10, 5, 10, 15}},
	}

	for i, step := range steps {
		sensor.temp = step.temp
		m.poll(ctx)

		if m.Band() != step.wantBand {
			t.Fatalf("Sample %d (%.0f°C): band %v, expected %v", i, step.temp, m.Band(), step.wantBand)
		}
		if len(rate.calls) != len(step.wantCalls) {
			t.Fatalf("Sample %d (%.0f°C): %d rate calls %v, expected %v",
				i, step.temp, len(rate.calls), rate.calls, step.wantCalls)
		}
		for j, want := range step.wantCalls {
			if rate.calls[j] != want {
				t.Fatalf("Sample %d: rate call %d = %d, expected %d", i, j, rate.calls[j], want)
			}
		}
	}

	t.Logf("✅ Band transition sequence validated (rate calls: %v)", rate.calls)
}

// TestSameBandNoRepeatedCalls verifies staying inside a band causes no
// redundant rate calls.
func TestSameBandNoRepeatedCalls(t *testing.T) {
	m, sensor, rate := newTestMonitor(t)
	ctx := context.Background()

	for _, temp := range []float64{77, 78, 79, 77.5} {
		sensor.temp = temp
		m.poll(ctx)
	}

	if len(rate.calls) != 1 {
		t.Fatalf("Expected 1 rate call for a stable band, got %v", rate.calls)
	}
	if rate.calls[0] != 10 {
		t.Errorf("Expected throttled fps 10, got %d", rate.calls[0])
	}
}

// TestFirstPollOutsideNormal verifies an immediately hot first sample
// still produces its transition.
func TestFirstPollOutsideNormal(t *testing.T) {
	m, sensor, rate := newTestMonitor(t)

	sensor.temp = 82
	m.poll(context.Background())

	if m.Band() != BandCritical {
		t.Fatalf("Expected critical band, got %v", m.Band())
	}
	if len(rate.calls) != 1 || rate.calls[0] != 5 {
		t.Errorf("Expected one critical rate call, got %v", rate.calls)
	}
}

// TestSensorFailureRetainsState verifies a failed read keeps the last
// sample and band, fires nothing, and recovers on the next good read.
func TestSensorFailureRetainsState(t *testing.T) {
	m, sensor, rate := newTestMonitor(t)
	ctx := context.Background()

	sensor.temp = 72
	m.poll(ctx)
	healthy := m.Status()
	if !healthy.SensorOK {
		t.Fatal("Sensor not marked healthy after good read")
	}

	sensor.err = errors.New("vcgencmd timed out")
	m.poll(ctx)

	st := m.Status()
	if st.SensorOK {
		t.Error("Sensor still marked healthy after failed read")
	}
	if st.Temperature != 72 {
		t.Errorf("Last sample lost: got %.1f, expected 72", st.Temperature)
	}
	if !st.SampleTime.Equal(healthy.SampleTime) {
		t.Error("Sample time changed on a failed read")
	}
	if st.Band != "warning" {
		t.Errorf("Band changed on a failed read: %q", st.Band)
	}
	if st.HistorySize != healthy.HistorySize {
		t.Error("History grew on a failed read")
	}
	if len(rate.calls) != 0 {
		t.Errorf("Rate controller invoked on a failed read: %v", rate.calls)
	}

	// Recovery: next good sample drives the pending transition
	sensor.err = nil
	sensor.temp = 77
	m.poll(ctx)
	if m.Band() != BandThrottled {
		t.Errorf("Expected throttled band after recovery, got %v", m.Band())
	}
	if len(rate.calls) != 1 {
		t.Errorf("Expected one rate call after recovery, got %v", rate.calls)
	}
}

// TestTransitionHook verifies the registered hook observes each band
// change with its rate target.
func TestTransitionHook(t *testing.T) {
	m, sensor, _ := newTestMonitor(t)
	ctx := context.Background()

	var events []TransitionEvent
	m.OnTransition(func(ev TransitionEvent) {
		events = append(events, ev)
	})

	for _, temp := range []float64{68, 77, 68} {
		sensor.temp = temp
		m.poll(ctx)
	}

	if len(events) != 2 {
		t.Fatalf("Expected 2 transitions, got %d", len(events))
	}
	first := events[0]
	if first.From != BandNormal || first.To != BandThrottled || first.TargetFPS != 10 {
		t.Errorf("Unexpected first transition: %+v", first)
	}
	second := events[1]
	if second.From != BandThrottled || second.To != BandNormal || second.TargetFPS != 15 {
		t.Errorf("Unexpected second transition: %+v", second)
	}
}

// TestHistoryBounded verifies the oldest sample is evicted past the
// retention cap.
func TestHistoryBounded(t *testing.T) {
	sensor := &fakeSensor{}
	m, err := NewMonitor(Config{
		Interval:          10 * time.Second,
		WarningThreshold:  70,
		ThrottleThreshold: 75,
		CriticalThreshold: 80,
		NominalFPS:        15,
		ThrottledFPS:      10,
		CriticalFPS:       5,
		HistorySize:       5,
	}, sensor, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}

	for i := 0; i < 8; i++ {
		sensor.temp = float64(40 + i)
		m.poll(context.Background())
	}

	history := m.History(0)
	if len(history) != 5 {
		t.Fatalf("Expected 5 retained samples, got %d", len(history))
	}
	if history[0].Temperature != 43 {
		t.Errorf("Oldest retained sample %.0f, expected 43", history[0].Temperature)
	}
	if history[4].Temperature != 47 {
		t.Errorf("Newest retained sample %.0f, expected 47", history[4].Temperature)
	}
}

// TestHistoryByMinutes verifies the windowed history filter.
func TestHistoryByMinutes(t *testing.T) {
	m, sensor, _ := newTestMonitor(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	sensor.temp = 50
	m.poll(ctx) // sample at 12:00

	current = base.Add(20 * time.Minute)
	sensor.temp = 55
	m.poll(ctx) // sample at 12:20

	recent := m.History(10)
	if len(recent) != 1 {
		t.Fatalf("Expected 1 sample within 10 minutes, got %d", len(recent))
	}
	if recent[0].Temperature != 55 {
		t.Errorf("Expected the 12:20 sample, got %.0f", recent[0].Temperature)
	}
	if full := m.History(0); len(full) != 2 {
		t.Errorf("Expected full history of 2, got %d", len(full))
	}
}

// TestStatusAverage verifies the rolling average over retained
// samples.
func TestStatusAverage(t *testing.T) {
	m, sensor, _ := newTestMonitor(t)
	ctx := context.Background()

	for _, temp := range []float64{60, 70, 80} {
		sensor.temp = temp
		m.poll(ctx)
	}

	st := m.Status()
	if st.AverageTemp != 70 {
		t.Errorf("Expected average 70, got %.1f", st.AverageTemp)
	}
	if st.Temperature != 80 {
		t.Errorf("Expected latest sample 80, got %.1f", st.Temperature)
	}
}

// TestStartStop verifies lifecycle: the first poll happens before the
// first tick, double start errors and stop is safe to repeat.
func TestStartStop(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("Second start accepted while running")
	}

	m.Stop()

	st := m.Status()
	if !st.SensorOK || st.HistorySize < 1 {
		t.Errorf("Expected at least one sample after start/stop, got %+v", st)
	}

	// Repeated stop is a no-op
	m.Stop()
}
