package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muzapapa-glitch/RasCam/internal/types"
)

const mockBackground = 128 // mid-gray luminance

// MockSource generates synthetic luminance frames for development and
// tests. The scene is a flat background; TriggerMotion overlays a
// bright block that moves every frame, which drives zone scores well
// above any sane threshold. Recordings are plain marker files so the
// storage path behaves like the real thing.
type MockSource struct {
	width    int
	height   int
	cameraID string

	framesCh chan types.AnalysisFrame
	rateCh   chan int
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu               sync.RWMutex
	fps              int
	seq              uint64
	framesEmitted    uint64
	framesDropped    uint64
	motionFramesLeft int
	isRunning        bool
	startTime        time.Time
	recordingFile    *os.File

	logger *slog.Logger
}

// NewMock creates a mock capture source
func NewMock(width, height, fps int, cameraID string, logger *slog.Logger) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockSource{
		width:    width,
		height:   height,
		fps:      fps,
		cameraID: cameraID,
		framesCh: make(chan types.AnalysisFrame, 10),
		rateCh:   make(chan int, 1),
		stopCh:   make(chan struct{}),
		logger:   logger.With("component", "capture", "backend", "mock"),
	}
}

// Start begins generating frames
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("capture already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	fps := m.fps
	m.mu.Unlock()

	m.logger.Info("mock capture starting",
		"width", m.width,
		"height", m.height,
		"fps", fps,
	)

	m.wg.Add(1)
	go m.generate(ctx)
	return nil
}

// Frames returns the analysis frame channel
func (m *MockSource) Frames() <-chan types.AnalysisFrame {
	return m.framesCh
}

// Stop halts frame generation and closes any open recording
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	close(m.framesCh)

	m.mu.Lock()
	m.isRunning = false
	if m.recordingFile != nil {
		m.recordingFile.Close()
		m.recordingFile = nil
	}
	emitted := m.framesEmitted
	started := m.startTime
	m.mu.Unlock()

	m.logger.Info("mock capture stopped",
		"frames_emitted", emitted,
		"duration", time.Since(started).Round(time.Millisecond).String(),
	)
	return nil
}

// TriggerMotion makes the next n frames contain a moving bright block
func (m *MockSource) TriggerMotion(n int) {
	m.mu.Lock()
	m.motionFramesLeft = n
	m.mu.Unlock()
}

// StartRecording creates the target file. The mock has no encoder, so
// the file only carries a marker header.
func (m *MockSource) StartRecording(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recordingFile != nil {
		return fmt.Errorf("recording already in progress")
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create recording file: %w", err)
	}
	fmt.Fprintf(f, "mock recording camera=%s started=%s\n", m.cameraID, time.Now().Format(time.RFC3339))

	m.recordingFile = f
	return nil
}

// StopRecording finalizes the open file
func (m *MockSource) StopRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recordingFile == nil {
		return fmt.Errorf("no recording in progress")
	}
	err := m.recordingFile.Close()
	m.recordingFile = nil
	if err != nil {
		return fmt.Errorf("failed to close recording file: %w", err)
	}
	return nil
}

// SetFrameRate retargets frame generation. Same-value calls return
// without touching the generator.
func (m *MockSource) SetFrameRate(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("frame rate must be positive, got %d", fps)
	}

	m.mu.Lock()
	if fps == m.fps {
		m.mu.Unlock()
		return nil
	}
	m.fps = fps
	running := m.isRunning
	m.mu.Unlock()

	if running {
		select {
		case m.rateCh <- fps:
		default:
			// Pending retarget not yet consumed; latest value wins
			select {
			case <-m.rateCh:
			default:
			}
			m.rateCh <- fps
		}
	}

	m.logger.Info("frame rate retargeted", "fps", fps)
	return nil
}

// Stats returns a snapshot
func (m *MockSource) Stats() types.CaptureStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fpsReal float64
	if m.isRunning && m.framesEmitted > 0 {
		if elapsed := time.Since(m.startTime).Seconds(); elapsed > 0 {
			fpsReal = float64(m.framesEmitted) / elapsed
		}
	}

	return types.CaptureStats{
		FrameCount:  m.framesEmitted,
		FPSTarget:   m.fps,
		FPSReal:     fpsReal,
		Resolution:  fmt.Sprintf("%dx%d", m.width, m.height),
		IsConnected: m.isRunning,
		Dropped:     m.framesDropped,
		Recording:   m.recordingFile != nil,
	}
}

func (m *MockSource) generate(ctx context.Context) {
	defer m.wg.Done()

	m.mu.RLock()
	fps := m.fps
	m.mu.RUnlock()

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case fps = <-m.rateCh:
			ticker.Reset(time.Second / time.Duration(fps))
		case <-ticker.C:
			frame := m.createFrame()
			select {
			case m.framesCh <- frame:
				m.mu.Lock()
				m.framesEmitted++
				m.mu.Unlock()
			default:
				m.mu.Lock()
				m.framesDropped++
				m.mu.Unlock()
			}
		}
	}
}

// createFrame renders one luminance frame
func (m *MockSource) createFrame() types.AnalysisFrame {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	motion := m.motionFramesLeft > 0
	if motion {
		m.motionFramesLeft--
	}
	m.mu.Unlock()

	data := make([]byte, m.width*m.height)
	for i := range data {
		data[i] = mockBackground
	}

	if motion {
		m.drawBlock(data, seq)
	}

	return types.AnalysisFrame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}

// drawBlock paints a bright square whose position depends on seq, so
// consecutive motion frames differ from each other.
func (m *MockSource) drawBlock(data []byte, seq uint64) {
	size := m.height / 4
	if size < 1 {
		size = 1
	}
	maxX := m.width - size
	if maxX < 1 {
		maxX = 1
	}
	x0 := int(seq*7) % maxX
	y0 := m.height / 4

	for y := y0; y < y0+size && y < m.height; y++ {
		for x := x0; x < x0+size && x < m.width; x++ {
			data[y*m.width+x] = 255
		}
	}
}
