package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/muzapapa-glitch/RasCam/internal/types"
)

const (
	picamWriteTimeout = 2 * time.Second
	picamAckTimeout   = 5 * time.Second
	picamStopTimeout  = 2 * time.Second
)

// PiCamConfig configures the picamera2 helper subprocess
type PiCamConfig struct {
	PythonBin  string // defaults to python3
	ScriptPath string // picamera2 helper script
	CameraID   string

	Width  int // analysis stream
	Height int

	MainWidth  int // recorded stream
	MainHeight int

	FPS       int
	PreRecord time.Duration
}

// picamMessage is the envelope the helper writes on stdout. Frames
// and command acks share the stream, discriminated by Type.
type picamMessage struct {
	Type string `msgpack:"type"` // "frame" or "ack"

	// frame fields
	Seq         uint64 `msgpack:"seq"`
	TimestampNS int64  `msgpack:"timestamp_ns"`
	Width       int    `msgpack:"width"`
	Height      int    `msgpack:"height"`
	Data        []byte `msgpack:"data"`

	// ack fields
	Command string `msgpack:"command"`
	OK      bool   `msgpack:"ok"`
	Error   string `msgpack:"error"`
}

// picamCommand is a control message written to the helper's stdin
type picamCommand struct {
	Command  string `msgpack:"command"`
	Filename string `msgpack:"filename,omitempty"`
	FPS      int    `msgpack:"fps,omitempty"`
}

// PiCamSource drives the Pi camera through a Python picamera2 helper
// process. The helper owns the sensor, the hardware encoder and the
// pre-record circular buffer; this side speaks length-prefixed msgpack
// over its stdin/stdout and republishes analysis frames on a channel.
type PiCamSource struct {
	cfg    PiCamConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	framesCh chan types.AnalysisFrame
	ackCh    chan picamMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// One in-flight command at a time; acks are matched by name
	cmdMu   sync.Mutex
	writeMu sync.Mutex

	isActive  atomic.Bool
	recording atomic.Bool

	frameCount    atomic.Uint64
	framesDropped atomic.Uint64
	bytesRead     atomic.Uint64

	mu        sync.RWMutex
	fps       int
	startTime time.Time
}

// NewPiCam validates the helper configuration
func NewPiCam(cfg PiCamConfig, logger *slog.Logger) (*PiCamSource, error) {
	if cfg.ScriptPath == "" {
		return nil, fmt.Errorf("picam script path is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("analysis resolution must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("frame rate must be positive, got %d", cfg.FPS)
	}
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	if cfg.MainWidth <= 0 || cfg.MainHeight <= 0 {
		cfg.MainWidth = 1920
		cfg.MainHeight = 1080
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PiCamSource{
		cfg:      cfg,
		logger:   logger.With("component", "capture", "backend", "picam"),
		framesCh: make(chan types.AnalysisFrame, 10),
		ackCh:    make(chan picamMessage, 4),
		fps:      cfg.FPS,
	}, nil
}

// Start spawns the helper process and the reader goroutines
func (p *PiCamSource) Start(ctx context.Context) error {
	if p.isActive.Load() {
		return fmt.Errorf("capture already running")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.spawnHelper(); err != nil {
		p.cancel()
		return fmt.Errorf("failed to spawn picam helper: %w", err)
	}

	p.isActive.Store(true)
	p.mu.Lock()
	p.startTime = time.Now()
	p.mu.Unlock()

	p.logger.Info("picam capture started",
		"script", p.cfg.ScriptPath,
		"analysis", fmt.Sprintf("%dx%d", p.cfg.Width, p.cfg.Height),
		"main", fmt.Sprintf("%dx%d", p.cfg.MainWidth, p.cfg.MainHeight),
		"fps", p.cfg.FPS,
		"pre_record", p.cfg.PreRecord.String(),
	)
	return nil
}

func (p *PiCamSource) spawnHelper() error {
	args := []string{
		p.cfg.ScriptPath,
		"--camera-id", p.cfg.CameraID,
		"--analysis-width", strconv.Itoa(p.cfg.Width),
		"--analysis-height", strconv.Itoa(p.cfg.Height),
		"--main-width", strconv.Itoa(p.cfg.MainWidth),
		"--main-height", strconv.Itoa(p.cfg.MainHeight),
		"--fps", strconv.Itoa(p.cfg.FPS),
		"--pre-record", strconv.Itoa(int(p.cfg.PreRecord.Seconds())),
	}

	p.cmd = exec.CommandContext(p.ctx, p.cfg.PythonBin, args...)

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	p.stdin = stdin

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	p.stdout = stdout

	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	p.stderr = stderr

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start helper process: %w", err)
	}

	p.logger.Info("picam helper spawned", "pid", p.cmd.Process.Pid)

	p.wg.Add(3)
	go p.readMessages()
	go p.logStderr()
	go p.waitProcess()

	return nil
}

// Frames returns the analysis frame channel
func (p *PiCamSource) Frames() <-chan types.AnalysisFrame {
	return p.framesCh
}

// StartRecording tells the helper to dump its circular buffer and keep
// writing the encoded stream to the named file
func (p *PiCamSource) StartRecording(filename string) error {
	if err := p.sendCommand(picamCommand{Command: "start_recording", Filename: filename}); err != nil {
		return err
	}
	p.recording.Store(true)
	return nil
}

// StopRecording finalizes the open file and re-arms the pre-record
// buffer
func (p *PiCamSource) StopRecording() error {
	if err := p.sendCommand(picamCommand{Command: "stop_recording"}); err != nil {
		return err
	}
	p.recording.Store(false)
	return nil
}

// SetFrameRate retargets the sensor. Same-value calls are a no-op.
func (p *PiCamSource) SetFrameRate(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("frame rate must be positive, got %d", fps)
	}

	p.mu.Lock()
	if fps == p.fps {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.sendCommand(picamCommand{Command: "set_frame_rate", FPS: fps}); err != nil {
		return err
	}

	p.mu.Lock()
	p.fps = fps
	p.mu.Unlock()

	p.logger.Info("frame rate retargeted", "fps", fps)
	return nil
}

// sendCommand writes one length-prefixed msgpack command and waits for
// its ack. Commands are serialized so acks match by name.
func (p *PiCamSource) sendCommand(cmd picamCommand) error {
	if !p.isActive.Load() {
		return fmt.Errorf("capture not running")
	}

	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	// Drain a stale ack left by a timed-out predecessor
	select {
	case <-p.ackCh:
	default:
	}

	payload, err := msgpack.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := p.writeFrame(payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd.Command, err)
	}

	select {
	case ack := <-p.ackCh:
		if ack.Command != cmd.Command {
			return fmt.Errorf("ack mismatch: sent %s, got %s", cmd.Command, ack.Command)
		}
		if !ack.OK {
			return fmt.Errorf("helper rejected %s: %s", cmd.Command, ack.Error)
		}
		return nil
	case <-time.After(picamAckTimeout):
		return fmt.Errorf("timeout waiting for %s ack", cmd.Command)
	case <-p.ctx.Done():
		return fmt.Errorf("capture stopped while waiting for %s ack", cmd.Command)
	}
}

// writeFrame writes a 4-byte big-endian length prefix plus payload to
// the helper's stdin, bounded by a timeout against a hung process.
func (p *PiCamSource) writeFrame(payload []byte) error {
	writeErr := make(chan error, 1)
	go func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()

		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
		if _, err := p.stdin.Write(prefix); err != nil {
			writeErr <- fmt.Errorf("failed to write length prefix: %w", err)
			return
		}
		if _, err := p.stdin.Write(payload); err != nil {
			writeErr <- fmt.Errorf("failed to write payload: %w", err)
			return
		}
		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		return err
	case <-time.After(picamWriteTimeout):
		return fmt.Errorf("stdin write timeout (helper may be hung)")
	case <-p.ctx.Done():
		return fmt.Errorf("capture stopped during write")
	}
}

// readMessages consumes the helper's stdout stream and dispatches
// frames and acks
func (p *PiCamSource) readMessages() {
	defer p.wg.Done()

	lengthBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(p.stdout, lengthBuf); err != nil {
			if err == io.EOF {
				p.logger.Debug("helper stdout closed")
			} else {
				p.logger.Error("failed to read length prefix from helper", "error", err)
			}
			return
		}
		msgLen := binary.BigEndian.Uint32(lengthBuf)

		data := make([]byte, msgLen)
		if _, err := io.ReadFull(p.stdout, data); err != nil {
			p.logger.Error("failed to read helper message",
				"error", err,
				"expected_length", msgLen,
			)
			return
		}
		p.bytesRead.Add(uint64(msgLen) + 4)

		var msg picamMessage
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			p.logger.Error("failed to unmarshal helper message",
				"error", err,
				"data_length", len(data),
			)
			continue
		}

		switch msg.Type {
		case "frame":
			p.dispatchFrame(msg)
		case "ack":
			select {
			case p.ackCh <- msg:
			default:
				p.logger.Warn("dropping unexpected ack", "command", msg.Command)
			}
		default:
			p.logger.Warn("unknown helper message type", "type", msg.Type)
		}
	}
}

func (p *PiCamSource) dispatchFrame(msg picamMessage) {
	// Region extraction indexes Data by Width and Height, so a frame
	// whose geometry disagrees with its payload or the configured
	// analysis stream never enters the pipeline.
	if msg.Width != p.cfg.Width || msg.Height != p.cfg.Height || len(msg.Data) != msg.Width*msg.Height {
		p.framesDropped.Add(1)
		p.logger.Warn("dropping malformed analysis frame",
			"seq", msg.Seq,
			"width", msg.Width,
			"height", msg.Height,
			"data_length", len(msg.Data),
			"expected", fmt.Sprintf("%dx%d", p.cfg.Width, p.cfg.Height),
		)
		return
	}

	frame := types.AnalysisFrame{
		Seq:       msg.Seq,
		Timestamp: time.Unix(0, msg.TimestampNS),
		Width:     msg.Width,
		Height:    msg.Height,
		Data:      msg.Data,
		TraceID:   uuid.New().String(),
	}

	select {
	case p.framesCh <- frame:
		p.frameCount.Add(1)
	default:
		// Consumer lagging; stale analysis frames are worthless
		p.framesDropped.Add(1)
	}
}

// logStderr forwards helper log lines at mapped levels
func (p *PiCamSource) logStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			p.logger.Error("picam helper error", "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			p.logger.Warn("picam helper warning", "log", line)
		default:
			p.logger.Debug("picam helper log", "log", line)
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Error("error reading helper stderr", "error", err)
	}
}

// waitProcess reaps the helper so it never zombies
func (p *PiCamSource) waitProcess() {
	defer p.wg.Done()

	if p.cmd == nil || p.cmd.Process == nil {
		return
	}

	err := p.cmd.Wait()
	if err == nil {
		p.logger.Info("picam helper exited cleanly", "pid", p.cmd.Process.Pid)
		return
	}

	select {
	case <-p.ctx.Done():
		p.logger.Debug("picam helper exited on shutdown", "pid", p.cmd.Process.Pid)
	default:
		p.logger.Error("picam helper exited unexpectedly",
			"pid", p.cmd.Process.Pid,
			"error", err,
		)
	}
}

// Stop shuts the helper down, force-killing it if it does not exit in
// time, and closes the frames channel
func (p *PiCamSource) Stop() error {
	if !p.isActive.Load() {
		return nil
	}
	p.isActive.Store(false)

	p.logger.Info("stopping picam capture")

	if p.recording.Load() {
		// Best effort: finalize the open file before teardown
		if err := p.sendCommandDirect(picamCommand{Command: "stop_recording"}); err != nil {
			p.logger.Warn("failed to finalize recording on stop", "error", err)
		}
		p.recording.Store(false)
	}

	p.cancel()
	if p.stdin != nil {
		p.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(picamStopTimeout):
		p.logger.Warn("picam helper stop timeout, force killing")
		if p.cmd != nil && p.cmd.Process != nil {
			if err := p.cmd.Process.Kill(); err != nil {
				p.logger.Error("failed to kill helper process", "error", err)
			}
		}
		<-done
	}

	close(p.framesCh)

	p.logger.Info("picam capture stopped",
		"frames", p.frameCount.Load(),
		"dropped", p.framesDropped.Load(),
	)
	return nil
}

// sendCommandDirect writes a command without requiring the active
// flag; used only during Stop.
func (p *PiCamSource) sendCommandDirect(cmd picamCommand) error {
	payload, err := msgpack.Marshal(cmd)
	if err != nil {
		return err
	}
	return p.writeFrame(payload)
}

// Stats returns a snapshot
func (p *PiCamSource) Stats() types.CaptureStats {
	p.mu.RLock()
	fps := p.fps
	started := p.startTime
	p.mu.RUnlock()

	frames := p.frameCount.Load()
	var fpsReal float64
	if p.isActive.Load() && frames > 0 {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fpsReal = float64(frames) / elapsed
		}
	}

	return types.CaptureStats{
		FrameCount:  frames,
		FPSTarget:   fps,
		FPSReal:     fpsReal,
		Resolution:  fmt.Sprintf("%dx%d", p.cfg.Width, p.cfg.Height),
		BytesRead:   p.bytesRead.Load(),
		IsConnected: p.isActive.Load(),
		Dropped:     p.framesDropped.Load(),
		Recording:   p.recording.Load(),
	}
}
