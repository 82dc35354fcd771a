package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/muzapapa-glitch/RasCam/internal/types"
)

// RTSPConfig contains RTSP capture configuration
type RTSPConfig struct {
	URL      string
	CameraID string
	Width    int // analysis resolution
	Height   int
	FPS      int
}

// RTSPSource captures from an RTSP camera with GStreamer. The analysis
// path decodes and downscales to a GRAY8 appsink; recordings copy the
// compressed H.264 stream straight to an MP4 container through a second
// pipeline, so no re-encode happens on this side.
//
// Pre-record is not available on this backend. The camera's encoded
// stream only reaches us once the recording pipeline is playing, so
// recordings begin at the trigger, not before it.
type RTSPSource struct {
	cfg    RTSPConfig
	logger *slog.Logger

	// Analysis pipeline
	pipeline   *gst.Pipeline
	appsink    *app.Sink
	capsfilter *gst.Element

	frames chan types.AnalysisFrame
	mu     sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Recording pipeline, nil when idle
	recMu       sync.Mutex
	recPipeline *gst.Pipeline
	recDrained  chan struct{}
	recFilename string

	fps     int
	started time.Time

	frameCount    atomic.Uint64
	framesDropped atomic.Uint64
	bytesRead     atomic.Uint64
	reconnects    atomic.Uint32
	lastFrameAt   atomic.Int64 // unix nanos

	maxRetries     int
	retryDelay     time.Duration
	maxRetryDelay  time.Duration
	currentRetries int
}

// NewRTSP creates an RTSP capture source
func NewRTSP(cfg RTSPConfig, logger *slog.Logger) (*RTSPSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rtsp url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("analysis resolution must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("frame rate must be positive, got %d", cfg.FPS)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RTSPSource{
		cfg:           cfg,
		logger:        logger.With("component", "capture", "backend", "rtsp"),
		frames:        make(chan types.AnalysisFrame, 10),
		fps:           cfg.FPS,
		maxRetries:    5,
		retryDelay:    1 * time.Second,
		maxRetryDelay: 30 * time.Second,
	}, nil
}

// Start launches the analysis pipeline goroutine
func (s *RTSPSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("capture already running")
	}

	gst.Init(nil)

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()

	s.wg.Add(1)
	go s.runPipeline()

	s.logger.Info("rtsp capture started",
		"url", s.cfg.URL,
		"analysis", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.fps,
	)
	s.logger.Warn("pre-record buffering is not supported on the rtsp backend, recordings start at the motion trigger")
	return nil
}

// runPipeline keeps the analysis pipeline alive, reconnecting with
// exponential backoff until retries run out or the context ends
func (s *RTSPSource) runPipeline() {
	defer s.wg.Done()
	defer close(s.frames)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.connectAndStream(); err != nil {
			s.logger.Error("analysis pipeline error", "error", err)
		}

		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.currentRetries++
		s.reconnects.Add(1)

		if s.currentRetries > s.maxRetries {
			s.logger.Error("max reconnect attempts exceeded, giving up",
				"retries", s.currentRetries,
				"max_retries", s.maxRetries,
			)
			return
		}

		delay := s.retryDelay * time.Duration(1<<uint(s.currentRetries-1))
		if delay > s.maxRetryDelay {
			delay = s.maxRetryDelay
		}

		s.logger.Warn("reconnecting to rtsp camera",
			"retry", s.currentRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

// connectAndStream builds the analysis pipeline and pumps its bus until
// the stream ends or the context is cancelled
func (s *RTSPSource) connectAndStream() error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.pipeline = pipeline

	// protocols=4 forces TCP, UDP loses too many packets on camera wifi
	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", s.cfg.URL)
	rtspsrc.SetProperty("protocols", 4)
	rtspsrc.SetProperty("latency", 200)

	rtph264depay, _ := gst.NewElement("rtph264depay")
	avdecH264, _ := gst.NewElement("avdec_h264")
	videoconvert, _ := gst.NewElement("videoconvert")
	videoscale, _ := gst.NewElement("videoscale")

	videorate, _ := gst.NewElement("videorate")
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, _ := gst.NewElement("capsfilter")
	capsfilter.SetProperty("caps", gst.NewCapsFromString(s.analysisCaps()))
	s.mu.Lock()
	s.capsfilter = capsfilter
	s.mu.Unlock()

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	s.appsink = appsink

	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink)
		},
	})

	pipeline.AddMany(rtspsrc, rtph264depay, avdecH264, videoconvert, videoscale, videorate, capsfilter, appsink.Element)
	gst.ElementLinkMany(rtph264depay, avdecH264, videoconvert, videoscale, videorate, capsfilter, appsink.Element)

	// rtspsrc pads appear only after SDP negotiation
	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := rtph264depay.GetStaticPad("sink")
		if sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-s.ctx.Done():
			pipeline.SetState(gst.StateNull)
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Info("analysis stream ended")
			pipeline.SetState(gst.StateNull)
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			pipeline.SetState(gst.StateNull)
			return fmt.Errorf("pipeline error: %w", gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					s.currentRetries = 0
					s.logger.Info("rtsp camera connected")
				}
			}
		}
	}
}

// analysisCaps renders the current caps string for the analysis sink.
// GRAY8 hands the detector the luminance plane without a conversion
// step on our side.
func (s *RTSPSource) analysisCaps() string {
	return fmt.Sprintf(
		"video/x-raw,format=GRAY8,width=%d,height=%d,framerate=%d/1",
		s.cfg.Width, s.cfg.Height, s.fps,
	)
}

// onNewSample copies one GRAY8 frame out of the appsink
func (s *RTSPSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)

	frame := types.AnalysisFrame{
		Seq:       s.frameCount.Add(1),
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	s.lastFrameAt.Store(time.Now().UnixNano())
	s.bytesRead.Add(uint64(len(data)))

	select {
	case s.frames <- frame:
	default:
		s.framesDropped.Add(1)
	}

	return gst.FlowOK
}

// Frames returns the analysis frame channel
func (s *RTSPSource) Frames() <-chan types.AnalysisFrame {
	return s.frames
}

// StartRecording spins up a passthrough pipeline writing the camera's
// H.264 stream into an MP4 file
func (s *RTSPSource) StartRecording(filename string) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	if s.recPipeline != nil {
		return fmt.Errorf("recording already in progress: %s", s.recFilename)
	}

	pipelineStr := fmt.Sprintf(
		"rtspsrc location=%s protocols=4 latency=200 ! "+
			"rtph264depay ! "+
			"h264parse ! "+
			"mp4mux ! "+
			"filesink location=%s",
		s.cfg.URL, filename,
	)

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return fmt.Errorf("failed to create recording pipeline: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to start recording pipeline: %w", err)
	}

	s.recPipeline = pipeline
	s.recFilename = filename
	s.recDrained = make(chan struct{})

	s.wg.Add(1)
	go s.watchRecordingBus(pipeline, filename, s.recDrained)

	s.logger.Info("recording pipeline started", "filename", filename)
	return nil
}

// watchRecordingBus pumps the recording pipeline's bus until EOS lands
// or the pipeline errors
func (s *RTSPSource) watchRecordingBus(pipeline *gst.Pipeline, filename string, drained chan struct{}) {
	defer s.wg.Done()
	defer close(drained)

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.Error("recording pipeline error",
				"filename", filename,
				"error", gerr.Error(),
			)
			return
		}
	}
}

// StopRecording sends EOS so mp4mux writes the moov atom, then tears
// the pipeline down. Skipping the EOS drain leaves an unplayable file.
func (s *RTSPSource) StopRecording() error {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	if s.recPipeline == nil {
		return fmt.Errorf("no recording in progress")
	}

	pipeline := s.recPipeline
	drained := s.recDrained
	filename := s.recFilename
	s.recPipeline = nil
	s.recDrained = nil
	s.recFilename = ""

	pipeline.SendEvent(gst.NewEOSEvent())

	select {
	case <-drained:
	case <-time.After(3 * time.Second):
		s.logger.Warn("recording pipeline did not drain, file may be truncated",
			"filename", filename,
		)
	}

	pipeline.SetState(gst.StateNull)

	s.logger.Info("recording pipeline stopped", "filename", filename)
	return nil
}

// SetFrameRate retargets the analysis frame rate by swapping the caps
// on the live capsfilter. Same-value calls are a no-op.
func (s *RTSPSource) SetFrameRate(fps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fps <= 0 || fps > 60 {
		return fmt.Errorf("frame rate must be between 1 and 60, got %d", fps)
	}
	if fps == s.fps {
		return nil
	}

	old := s.fps
	s.fps = fps

	if s.capsfilter != nil {
		s.capsfilter.SetProperty("caps", gst.NewCapsFromString(s.analysisCaps()))
		s.logger.Info("analysis frame rate retargeted", "old_fps", old, "fps", fps)
	} else {
		s.logger.Warn("capsfilter not built yet, frame rate applies on next connect", "fps", fps)
	}
	return nil
}

// Stop shuts down the analysis pipeline and any open recording
func (s *RTSPSource) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("stopping rtsp capture")

	// Finalize an open recording before the context goes away
	s.recMu.Lock()
	recording := s.recPipeline != nil
	s.recMu.Unlock()
	if recording {
		if err := s.StopRecording(); err != nil {
			s.logger.Warn("failed to finalize recording on stop", "error", err)
		}
	}

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("rtsp capture stopped",
			"frames", s.frameCount.Load(),
			"dropped", s.framesDropped.Load(),
			"reconnects", s.reconnects.Load(),
			"uptime", time.Since(s.started).Round(time.Second),
		)
	case <-time.After(3 * time.Second):
		s.logger.Warn("rtsp capture stop timeout, pipeline may still be running")
	}

	return nil
}

// Stats returns a snapshot
func (s *RTSPSource) Stats() types.CaptureStats {
	s.mu.RLock()
	fps := s.fps
	started := s.started
	running := s.cancel != nil
	s.mu.RUnlock()

	frames := s.frameCount.Load()
	var fpsReal float64
	if running && !started.IsZero() {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fpsReal = float64(frames) / elapsed
		}
	}

	var latencyMS int64
	if last := s.lastFrameAt.Load(); last > 0 {
		latencyMS = time.Since(time.Unix(0, last)).Milliseconds()
	}

	s.recMu.Lock()
	recording := s.recPipeline != nil
	s.recMu.Unlock()

	return types.CaptureStats{
		FrameCount:  frames,
		FPSTarget:   fps,
		FPSReal:     fpsReal,
		LatencyMS:   latencyMS,
		Resolution:  fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		Reconnects:  s.reconnects.Load(),
		BytesRead:   s.bytesRead.Load(),
		IsConnected: running,
		Dropped:     s.framesDropped.Load(),
		Recording:   recording,
	}
}
