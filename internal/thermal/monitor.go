package thermal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Band is the thermal severity level
type Band int

const (
	BandNormal Band = iota
	BandWarning
	BandThrottled
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandNormal:
		return "normal"
	case BandWarning:
		return "warning"
	case BandThrottled:
		return "throttled"
	case BandCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RateController is the capture-side capability the monitor drives on
// band transitions. SetFrameRate is idempotent for repeated identical
// targets, so re-applying a band is harmless.
type RateController interface {
	SetFrameRate(fps int) error
}

// Sample is one temperature reading
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
}

// TransitionEvent describes one band change. TargetFPS is zero when
// the new band carries no rate action.
type TransitionEvent struct {
	From        Band
	To          Band
	Temperature float64
	TargetFPS   int
}

// Thresholds reported in status
type Thresholds struct {
	Warning  float64 `json:"warning"`
	Throttle float64 `json:"throttle"`
	Critical float64 `json:"critical"`
}

// Status is a read-only snapshot for the control plane. SampleTime
// going stale relative to the poll interval indicates sensor trouble.
type Status struct {
	Band        string        `json:"band"`
	Temperature float64       `json:"temperature"`
	SampleTime  time.Time     `json:"sample_time"`
	AverageTemp float64       `json:"average_temp"`
	SensorOK    bool          `json:"sensor_ok"`
	Throttle    ThrottleFlags `json:"throttle"`
	Thresholds  Thresholds    `json:"thresholds"`
	HistorySize int           `json:"history_size"`
}

// Config holds the polling and band parameters
type Config struct {
	Interval          time.Duration
	WarningThreshold  float64
	ThrottleThreshold float64
	CriticalThreshold float64

	// Frame rate targets per band. Warning has none.
	NominalFPS   int
	ThrottledFPS int
	CriticalFPS  int

	HistorySize int
}

const defaultHistorySize = 60

// Monitor polls the temperature sensor on a fixed interval from its
// own goroutine, classifies readings into bands and drives the rate
// controller on every band change.
type Monitor struct {
	cfg    Config
	sensor Sensor
	rate   RateController
	logger *slog.Logger

	onTransition func(TransitionEvent)

	mu         sync.Mutex
	band       Band
	lastSample Sample
	sensorOK   bool
	flags      ThrottleFlags
	history    []Sample

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool

	now func() time.Time
}

// NewMonitor validates the band layout and builds a stopped monitor.
// The initial band is Normal; the rate controller is first invoked on
// the first observed transition out of it.
func NewMonitor(cfg Config, sensor Sensor, rate RateController, logger *slog.Logger) (*Monitor, error) {
	if sensor == nil {
		return nil, fmt.Errorf("sensor is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", cfg.Interval)
	}
	if !(cfg.WarningThreshold < cfg.ThrottleThreshold && cfg.ThrottleThreshold < cfg.CriticalThreshold) {
		return nil, fmt.Errorf("thresholds must be ascending: warning=%.1f throttle=%.1f critical=%.1f",
			cfg.WarningThreshold, cfg.ThrottleThreshold, cfg.CriticalThreshold)
	}
	if cfg.NominalFPS <= 0 || cfg.ThrottledFPS <= 0 || cfg.CriticalFPS <= 0 {
		return nil, fmt.Errorf("frame rate targets must be positive")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		sensor:  sensor,
		rate:    rate,
		logger:  logger.With("component", "thermal"),
		band:    BandNormal,
		history: make([]Sample, 0, cfg.HistorySize),
		now:     time.Now,
	}, nil
}

// OnTransition registers a hook invoked synchronously from the poller
// after each band change has been applied. Must be set before Start.
func (m *Monitor) OnTransition(fn func(TransitionEvent)) {
	m.onTransition = fn
}

// Start launches the polling goroutine. The first sample is taken
// immediately rather than after the first interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("thermal monitor already running")
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("thermal monitor started",
		"interval", m.cfg.Interval.String(),
		"warning", m.cfg.WarningThreshold,
		"throttle", m.cfg.ThrottleThreshold,
		"critical", m.cfg.CriticalThreshold,
	)

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop signals the poller to exit after its current poll and waits
// for it
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("thermal monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll takes one reading and applies any band change. A failed read is
// transient: prior band and sample are retained, no callback fires.
func (m *Monitor) poll(ctx context.Context) {
	temp, err := m.sensor.ReadTemperature(ctx)
	if err != nil {
		m.mu.Lock()
		m.sensorOK = false
		m.mu.Unlock()
		m.logger.Warn("temperature read failed, keeping last state", "error", err)
		return
	}

	if tr, ok := m.sensor.(ThrottleReader); ok {
		m.pollThrottleFlags(ctx, tr, temp)
	}

	newBand := m.classify(temp)

	m.mu.Lock()
	m.lastSample = Sample{Timestamp: m.now(), Temperature: temp}
	m.sensorOK = true
	m.history = append(m.history, m.lastSample)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[1:]
	}
	prev := m.band
	m.band = newBand
	m.mu.Unlock()

	if newBand != prev {
		m.applyBand(newBand, prev, temp)
	}
}

func (m *Monitor) pollThrottleFlags(ctx context.Context, tr ThrottleReader, temp float64) {
	flags, err := tr.ReadThrottleFlags(ctx)
	if err != nil {
		return
	}

	m.mu.Lock()
	prev := m.flags
	m.flags = flags
	m.mu.Unlock()

	if flags.UndervoltageNow && !prev.UndervoltageNow {
		m.logger.Error("undervoltage detected, check power supply")
	}
	if flags.ThrottledNow && !prev.ThrottledNow {
		m.logger.Warn("firmware throttling active", "temperature", temp)
	}
}

func (m *Monitor) classify(temp float64) Band {
	switch {
	case temp >= m.cfg.CriticalThreshold:
		return BandCritical
	case temp >= m.cfg.ThrottleThreshold:
		return BandThrottled
	case temp >= m.cfg.WarningThreshold:
		return BandWarning
	default:
		return BandNormal
	}
}

// applyBand invokes the rate controller for the new band. Runs on the
// polling goroutine; Warning carries no rate action.
func (m *Monitor) applyBand(band, prev Band, temp float64) {
	var target int
	switch band {
	case BandNormal:
		target = m.cfg.NominalFPS
		m.logger.Info("temperature normalized", "temperature", temp, "target_fps", target)
	case BandWarning:
		m.logger.Warn("temperature elevated", "temperature", temp)
	case BandThrottled:
		target = m.cfg.ThrottledFPS
		m.logger.Warn("temperature high, reducing frame rate", "temperature", temp, "target_fps", target)
	case BandCritical:
		target = m.cfg.CriticalFPS
		m.logger.Error("temperature critical, minimum frame rate", "temperature", temp, "target_fps", target)
	}

	if target > 0 && m.rate != nil {
		if err := m.rate.SetFrameRate(target); err != nil {
			m.logger.Error("failed to apply frame rate", "target_fps", target, "error", err)
		}
	}

	if m.onTransition != nil {
		m.onTransition(TransitionEvent{From: prev, To: band, Temperature: temp, TargetFPS: target})
	}
}

// Band returns the current band
func (m *Monitor) Band() Band {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.band
}

// Status returns a snapshot without blocking the poller for long
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum float64
	for _, s := range m.history {
		sum += s.Temperature
	}
	avg := 0.0
	if len(m.history) > 0 {
		avg = sum / float64(len(m.history))
	}

	return Status{
		Band:        m.band.String(),
		Temperature: m.lastSample.Temperature,
		SampleTime:  m.lastSample.Timestamp,
		AverageTemp: avg,
		SensorOK:    m.sensorOK,
		Throttle:    m.flags,
		Thresholds: Thresholds{
			Warning:  m.cfg.WarningThreshold,
			Throttle: m.cfg.ThrottleThreshold,
			Critical: m.cfg.CriticalThreshold,
		},
		HistorySize: len(m.history),
	}
}

// History returns samples from the last N minutes, oldest first.
// Non-positive minutes returns the full retained history.
func (m *Monitor) History(minutes int) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	if minutes <= 0 {
		out := make([]Sample, len(m.history))
		copy(out, m.history)
		return out
	}

	cutoff := m.now().Add(-time.Duration(minutes) * time.Minute)
	out := make([]Sample, 0, len(m.history))
	for _, s := range m.history {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
