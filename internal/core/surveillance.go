// Package core wires capture, motion detection, the recording state
// machine, the thermal governor and the control plane into one
// surveillance service.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muzapapa-glitch/RasCam/internal/capture"
	"github.com/muzapapa-glitch/RasCam/internal/config"
	"github.com/muzapapa-glitch/RasCam/internal/control"
	"github.com/muzapapa-glitch/RasCam/internal/emitter"
	"github.com/muzapapa-glitch/RasCam/internal/events"
	"github.com/muzapapa-glitch/RasCam/internal/motion"
	"github.com/muzapapa-glitch/RasCam/internal/observability"
	"github.com/muzapapa-glitch/RasCam/internal/recorder"
	"github.com/muzapapa-glitch/RasCam/internal/thermal"
	"github.com/muzapapa-glitch/RasCam/internal/types"
	"github.com/muzapapa-glitch/RasCam/internal/zone"
)

const (
	frameLogInterval = 5 * time.Second
	busLogInterval   = 10 * time.Second
	healthInterval   = 30 * time.Second
	watchdogInterval = 30 * time.Second
	watchdogTimeout  = 30 * time.Second
	probeTimeout     = 10 * time.Second
)

// Service is the surveillance orchestrator
type Service struct {
	cfg *config.Config

	capture  capture.Source
	detector *motion.Detector
	recorder *recorder.Controller
	store    *recorder.Store
	thermal  *thermal.Monitor
	bus      *events.Bus
	emitter  *emitter.MQTTEmitter
	control  *control.Handler
	metrics  *observability.Metrics

	logger     *slog.Logger
	baseLogger *slog.Logger

	started      time.Time
	mu           sync.RWMutex
	wg           sync.WaitGroup
	isRunning    bool
	isPaused     bool
	cancelCtx    context.CancelFunc // stored for the MQTT shutdown command
	runErr       error
	healthServer *http.Server

	lastFrame    atomic.Int64 // unix nanos of the newest analysis frame
	lastDetected bool         // motion edge state, frame loop only
	lastDropped  uint64       // capture drop counter at last stats log
}

// New loads the configuration and builds a service ready to Run
func New(configPath string, logger *slog.Logger) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("configuration loaded",
		"camera_id", cfg.Camera.ID,
		"backend", cfg.Capture.Backend,
		"storage_path", cfg.Recording.StoragePath,
	)

	return newService(cfg, logger)
}

func newService(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	zones := zone.NewStore(cfg.Analysis.Width, cfg.Analysis.Height)
	threshold := cfg.Motion.Threshold
	if threshold <= 0 {
		t, err := motion.ThresholdForPreset(cfg.Motion.Sensitivity)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve sensitivity: %w", err)
		}
		threshold = t
	}

	detector, err := motion.New(zones, threshold, cfg.Motion.RequiredConsecutiveFrames)
	if err != nil {
		return nil, fmt.Errorf("failed to create motion detector: %w", err)
	}
	if err := detector.AddZone(zone.FullFrame(cfg.Analysis.Width, cfg.Analysis.Height)); err != nil {
		return nil, fmt.Errorf("failed to install default zone: %w", err)
	}

	store, err := recorder.NewStore(cfg.Recording.StoragePath, cfg.Recording.RetentionDays,
		cfg.Recording.MaxStorageGB, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording store: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		detector:   detector,
		store:      store,
		bus:        events.NewBus(logger),
		metrics:    observability.NewMetrics(),
		logger:     logger.With("component", "core"),
		baseLogger: logger,
	}

	if cfg.MQTT.Enabled {
		s.emitter = emitter.NewMQTTEmitter(cfg.MQTT, logger)
	}

	return s, nil
}

// Run starts every component and blocks until the context is
// cancelled or the capture stream fails.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	s.logger.Info("surveillance service starting",
		"camera_id", s.cfg.Camera.ID,
		"backend", s.cfg.Capture.Backend,
		"analysis", fmt.Sprintf("%dx%d", s.cfg.Analysis.Width, s.cfg.Analysis.Height),
	)

	src, err := s.buildCapture()
	if err != nil {
		return fmt.Errorf("failed to create capture source: %w", err)
	}
	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	s.mu.Lock()
	s.capture = src
	s.mu.Unlock()
	s.lastFrame.Store(time.Now().UnixNano())

	if d := s.cfg.Capture.Warmup(); d > 0 {
		stats, err := capture.Warmup(ctx, src.Frames(), d)
		if err != nil {
			s.logger.Warn("capture warm-up failed, continuing without rate stats", "error", err)
		} else {
			s.logger.Info("capture warmed up",
				"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
				"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
				"stable", stats.IsStable,
			)
		}
	}

	rec, err := recorder.NewController(recorder.Config{
		CameraID:        s.cfg.Camera.ID,
		PreRecord:       s.cfg.Recording.PreRecord(),
		PostRecord:      s.cfg.Recording.PostRecord(),
		SegmentDuration: s.cfg.Recording.SegmentDuration(),
	}, src, s.store, s.baseLogger)
	if err != nil {
		return fmt.Errorf("failed to create recording controller: %w", err)
	}
	s.mu.Lock()
	s.recorder = rec
	s.mu.Unlock()

	if s.cfg.Thermal.Enabled {
		if err := s.startThermal(ctx, src); err != nil {
			return err
		}
	}

	if s.cfg.MQTT.Enabled {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		emitterCh := make(chan events.Event, 64)
		if err := s.bus.Subscribe("mqtt", emitterCh); err != nil {
			return fmt.Errorf("failed to subscribe emitter: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.emitter.Run(ctx, emitterCh)
		}()

		s.control = control.NewHandler(s.cfg.MQTT, s.emitter.Client, s.commandCallbacks(), s.baseLogger)
		if err := s.control.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	metricsCh := make(chan events.Event, 128)
	if err := s.bus.Subscribe("metrics", metricsCh); err != nil {
		return fmt.Errorf("failed to subscribe metrics recorder: %w", err)
	}
	s.wg.Add(1)
	go s.recordMetrics(ctx, metricsCh)

	s.wg.Add(1)
	go s.processFrames(ctx)
	s.wg.Add(1)
	go s.cleanupLoop(ctx)
	s.wg.Add(1)
	go s.healthLoop(ctx)
	s.wg.Add(1)
	go s.watchCapture(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bus.StartStatsLogger(ctx, busLogInterval)
	}()

	s.logger.Info("surveillance service running",
		"mqtt", s.cfg.MQTT.Enabled,
		"thermal", s.cfg.Thermal.Enabled,
		"zones", s.detector.Zones().Len(),
	)

	<-ctx.Done()

	s.logger.Info("surveillance service run loop exiting")
	s.mu.RLock()
	runErr := s.runErr
	s.mu.RUnlock()
	return runErr
}

// buildCapture creates the configured camera backend. For RTSP the
// stream is probed first so the configured rate never exceeds what the
// camera delivers.
func (s *Service) buildCapture() (capture.Source, error) {
	cfg := s.cfg
	switch cfg.Capture.Backend {
	case "picam":
		return capture.NewPiCam(capture.PiCamConfig{
			ScriptPath: cfg.Capture.PicamHelper,
			CameraID:   cfg.Camera.ID,
			Width:      cfg.Analysis.Width,
			Height:     cfg.Analysis.Height,
			FPS:        cfg.Camera.FrameRate,
			PreRecord:  cfg.Recording.PreRecord(),
		}, s.baseLogger)

	case "rtsp":
		info, err := capture.ProbeRTSP(cfg.Capture.RTSPURL, probeTimeout)
		if err != nil {
			s.logger.Warn("rtsp probe failed, using configured values",
				"error", err, "url", cfg.Capture.RTSPURL)
		} else {
			cfg.Camera.FrameRate = capture.ClampFrameRate(info, cfg.Camera.FrameRate)
		}
		return capture.NewRTSP(capture.RTSPConfig{
			URL:      cfg.Capture.RTSPURL,
			CameraID: cfg.Camera.ID,
			Width:    cfg.Analysis.Width,
			Height:   cfg.Analysis.Height,
			FPS:      cfg.Camera.FrameRate,
		}, s.baseLogger)

	case "mock":
		return capture.NewMock(cfg.Analysis.Width, cfg.Analysis.Height,
			cfg.Camera.FrameRate, cfg.Camera.ID, s.baseLogger), nil
	}
	return nil, fmt.Errorf("unknown capture backend %q", cfg.Capture.Backend)
}

func (s *Service) startThermal(ctx context.Context, rate thermal.RateController) error {
	sensor, err := thermal.NewSensor(s.cfg.Thermal.Sensor)
	if err != nil {
		return fmt.Errorf("failed to create thermal sensor: %w", err)
	}
	mon, err := thermal.NewMonitor(thermal.Config{
		Interval:          s.cfg.Thermal.PollInterval(),
		WarningThreshold:  s.cfg.Thermal.WarnC,
		ThrottleThreshold: s.cfg.Thermal.ThrottleC,
		CriticalThreshold: s.cfg.Thermal.CriticalC,
		NominalFPS:        s.cfg.Camera.FrameRate,
		ThrottledFPS:      s.cfg.Thermal.ThrottledFPS,
		CriticalFPS:       s.cfg.Thermal.CriticalFPS,
	}, sensor, rate, s.baseLogger)
	if err != nil {
		return fmt.Errorf("failed to create thermal monitor: %w", err)
	}
	mon.OnTransition(s.onThermalTransition)
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start thermal monitor: %w", err)
	}
	s.mu.Lock()
	s.thermal = mon
	s.mu.Unlock()
	return nil
}

func (s *Service) onThermalTransition(ev thermal.TransitionEvent) {
	s.bus.Publish(events.NewEvent(events.TypeThermalTransition, s.cfg.Camera.ID, map[string]any{
		"from":          ev.From.String(),
		"to":            ev.To.String(),
		"band":          int(ev.To),
		"temperature_c": ev.Temperature,
		"target_fps":    ev.TargetFPS,
	}))
}

// processFrames is the detection cycle: one frame in, one verdict, one
// state machine update. Strictly sequential so no frame is ever scored
// against anything but its predecessor.
func (s *Service) processFrames(ctx context.Context) {
	defer s.wg.Done()

	s.logger.Info("frame loop started")

	frames := s.capture.Frames()
	lastLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("frame loop stopping", "frames_seen", s.detector.FramesSeen())
			return

		case frame, ok := <-frames:
			if !ok {
				if ctx.Err() == nil {
					s.failRun(fmt.Errorf("capture stream ended unexpectedly"))
				}
				s.logger.Info("frame loop stopping, capture channel closed",
					"frames_seen", s.detector.FramesSeen())
				return
			}

			s.handleFrame(&frame)

			if time.Since(lastLog) >= frameLogInterval {
				s.logPipelineStats(frame.Seq)
				lastLog = time.Now()
			}
		}
	}
}

func (s *Service) handleFrame(frame *types.AnalysisFrame) {
	s.metrics.FramesProcessed.Inc()
	s.lastFrame.Store(time.Now().UnixNano())

	if s.paused() {
		s.lastDetected = false
		s.closePausedSession()
		return
	}

	start := time.Now()
	detected, scores := s.detector.ProcessFrame(frame)
	s.metrics.DetectionSeconds.Observe(time.Since(start).Seconds())

	if detected && !s.lastDetected {
		s.bus.Publish(events.NewEvent(events.TypeMotion, s.cfg.Camera.ID, motionData(scores)))
	}
	s.lastDetected = detected

	change, err := s.recorder.Update(detected)
	if err != nil {
		s.logger.Error("recording update failed", "error", err)
	}
	s.publishTransition(change)
}

// closePausedSession finalizes a recording that was open when the
// pause command arrived. Running this from the frame loop keeps the
// state machine single-writer.
func (s *Service) closePausedSession() {
	if s.recorder.State() != recorder.StateRecording {
		return
	}

	st := s.recorder.Status()
	if err := s.recorder.StopActive(); err != nil {
		s.logger.Error("failed to close recording on pause", "error", err)
		return
	}
	s.bus.Publish(events.NewEvent(events.TypeRecordingStopped, s.cfg.Camera.ID, map[string]any{
		"filename":   st.ActiveFilename,
		"duration_s": time.Since(st.StartedAt).Seconds(),
		"reason":     "paused",
	}))
}

func (s *Service) publishTransition(change recorder.Change) {
	switch change.Transition {
	case recorder.TransitionStarted:
		s.bus.Publish(events.NewEvent(events.TypeRecordingStarted, s.cfg.Camera.ID, map[string]any{
			"filename": change.Filename,
		}))
	case recorder.TransitionSegmented:
		s.bus.Publish(events.NewEvent(events.TypeRecordingSegment, s.cfg.Camera.ID, map[string]any{
			"filename": change.Filename,
			"closed":   change.Closed,
		}))
	case recorder.TransitionStopped:
		s.bus.Publish(events.NewEvent(events.TypeRecordingStopped, s.cfg.Camera.ID, map[string]any{
			"filename":   change.Closed,
			"duration_s": change.Duration.Seconds(),
		}))
	}
}

func motionData(scores []motion.ZoneScore) map[string]any {
	names := make([]string, 0, len(scores))
	values := make(map[string]float64, len(scores))
	for _, zs := range scores {
		if zs.Firing {
			names = append(names, zs.Name)
			values[zs.Name] = zs.Score
		}
	}
	return map[string]any{"zones": names, "scores": values}
}

func (s *Service) logPipelineStats(lastSeq uint64) {
	stats := s.capture.Stats()

	if stats.Dropped > s.lastDropped {
		s.metrics.FramesDropped.Add(float64(stats.Dropped - s.lastDropped))
		s.lastDropped = stats.Dropped
	}

	s.logger.Debug("pipeline stats",
		"frames", stats.FrameCount,
		"dropped", stats.Dropped,
		"fps_real", float64(int(stats.FPSReal*100))/100,
		"fps_target", stats.FPSTarget,
		"recording", stats.Recording,
		"last_seq", lastSeq,
	)
}

// recordMetrics drives the Prometheus collectors from bus events
func (s *Service) recordMetrics(ctx context.Context, ch <-chan events.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			s.metrics.Record(ev)
		}
	}
}

// cleanupLoop runs retention and storage-limit sweeps on a fixed
// cadence, decoupled from the recording state machine.
func (s *Service) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.Recording.CleanupInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("retention sweep scheduled",
		"interval", interval,
		"retention_days", s.cfg.Recording.RetentionDays,
		"max_storage_gb", s.cfg.Recording.MaxStorageGB,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// runCleanup executes one full sweep: age-based retention first, then
// the storage cap. A sweep in progress always completes; cancellation
// is only observed between sweeps.
func (s *Service) runCleanup() recorder.CleanupResult {
	res := s.recorder.CleanupOldRecordings()
	if res.Deleted > 0 || res.Failed > 0 {
		s.bus.Publish(events.NewEvent(events.TypeCleanup, s.cfg.Camera.ID, map[string]any{
			"trigger":     "retention",
			"deleted":     res.Deleted,
			"failed":      res.Failed,
			"freed_bytes": res.FreedBytes,
		}))
	}

	limitRes, triggered := s.recorder.EnforceStorageLimit()
	if triggered {
		if limitRes.Deleted > 0 || limitRes.Failed > 0 {
			s.bus.Publish(events.NewEvent(events.TypeCleanup, s.cfg.Camera.ID, map[string]any{
				"trigger":     "storage_limit",
				"deleted":     limitRes.Deleted,
				"failed":      limitRes.Failed,
				"freed_bytes": limitRes.FreedBytes,
			}))
		}
		res.Scanned += limitRes.Scanned
		res.Deleted += limitRes.Deleted
		res.Failed += limitRes.Failed
		res.FreedBytes += limitRes.FreedBytes
	}

	s.refreshStorageGauges()
	return res
}

func (s *Service) refreshStorageGauges() {
	stats, err := s.recorder.StorageStats()
	if err != nil {
		s.logger.Warn("failed to read storage stats", "error", err)
		return
	}
	s.metrics.StorageUsedBytes.Set(float64(stats.TotalBytes))
	s.metrics.StorageFreeBytes.Set(float64(stats.FreeBytes))
	s.metrics.RecordingsStored.Set(float64(stats.Count))
}

// watchCapture logs when the analysis stream goes quiet. The backends
// reconnect on their own; the watchdog makes a silent camera visible
// in the logs and the health state.
func (s *Service) watchCapture(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.paused() {
				continue
			}
			age := time.Since(time.Unix(0, s.lastFrame.Load()))
			if age <= watchdogTimeout {
				continue
			}
			stats := s.capture.Stats()
			s.logger.Warn("capture stalled",
				"last_frame_ago_s", int(age.Seconds()),
				"connected", stats.IsConnected,
				"reconnects", stats.Reconnects,
			)
		}
	}
}

// failRun records the first fatal error and cancels the run
func (s *Service) failRun(err error) {
	s.mu.Lock()
	if s.runErr == nil {
		s.runErr = err
	}
	cancel := s.cancelCtx
	s.mu.Unlock()

	s.logger.Error("fatal service error", "error", err)
	if cancel != nil {
		cancel()
	}
}

func (s *Service) paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isPaused
}

// Shutdown tears the service down in dependency order: the thermal
// governor stops first so no rate change lands mid-teardown, the open
// recording is finalized while the capture backend can still write it,
// then capture, control plane and the event fan-out.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelCtx
	s.mu.Unlock()

	s.logger.Info("shutting down surveillance service")

	if cancel != nil {
		cancel()
	}

	if s.thermal != nil {
		s.thermal.Stop()
	}

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Error("failed to finalize recording", "error", err)
		}
	}

	if s.capture != nil {
		if err := s.capture.Stop(); err != nil {
			s.logger.Error("failed to stop capture", "error", err)
		}
	}

	if s.control != nil {
		if err := s.control.Stop(); err != nil {
			s.logger.Error("failed to stop control handler", "error", err)
		}
	}

	s.logger.Info("waiting for goroutines to finish")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out waiting for goroutines")
	}

	s.bus.Close()

	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			s.logger.Error("failed to disconnect mqtt", "error", err)
		}
	}

	s.stopHealthServer()

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	s.logger.Info("surveillance service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	if timeout <= 0 {
		return 5 * time.Second
	}
	return timeout
}

// LogLevel returns the level configured in the loaded file
func (s *Service) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.cfg.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
