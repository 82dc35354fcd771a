package recorder

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State of the recording machine
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// Transition is the outcome of one Update cycle
type Transition int

const (
	TransitionNone Transition = iota
	TransitionStarted
	TransitionSegmented
	TransitionStopped
)

func (t Transition) String() string {
	switch t {
	case TransitionStarted:
		return "started"
	case TransitionSegmented:
		return "segmented"
	case TransitionStopped:
		return "stopped"
	default:
		return "none"
	}
}

// CaptureControl is the slice of the capture backend the controller
// drives. StartRecording prefixes the new file with the backend's
// pre-record buffer, so the seconds before the trigger are kept.
type CaptureControl interface {
	StartRecording(filename string) error
	StopRecording() error
}

// Session tracks the currently open recording. Exactly one exists
// while the controller is in StateRecording.
type Session struct {
	Filename         string
	StartTime        time.Time
	LastMotionTime   time.Time
	SegmentStartTime time.Time
	Segments         int
}

// Change describes what a single Update call did. Filename is the file
// opened by the transition, Closed the file that was finalized.
type Change struct {
	Transition Transition
	Filename   string
	Closed     string
	Duration   time.Duration
}

// Config holds the recording lifecycle parameters
type Config struct {
	CameraID        string
	PreRecord       time.Duration
	PostRecord      time.Duration
	SegmentDuration time.Duration
}

// Controller is the recording state machine. It owns the decision of
// when files open, rotate and close; the actual byte stream is written
// by the capture backend.
type Controller struct {
	cfg     Config
	capture CaptureControl
	store   *Store
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	session *Session
	closed  bool

	totalRecordings uint64
	totalSegments   uint64

	now func() time.Time
}

// Status is a read-only snapshot for the control plane
type Status struct {
	State           string    `json:"state"`
	ActiveFilename  string    `json:"active_filename,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	Segments        int       `json:"segments,omitempty"`
	TotalRecordings uint64    `json:"total_recordings"`
	TotalSegments   uint64    `json:"total_segments"`
}

// NewController creates the recording state machine in StateIdle
func NewController(cfg Config, capture CaptureControl, store *Store, logger *slog.Logger) (*Controller, error) {
	if capture == nil {
		return nil, fmt.Errorf("capture control is required")
	}
	if store == nil {
		return nil, fmt.Errorf("recording store is required")
	}
	if cfg.SegmentDuration <= 0 {
		return nil, fmt.Errorf("segment duration must be positive, got %v", cfg.SegmentDuration)
	}
	if cfg.PostRecord < 0 {
		return nil, fmt.Errorf("post-record duration must not be negative, got %v", cfg.PostRecord)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		capture: capture,
		store:   store,
		logger:  logger.With("component", "recorder"),
		state:   StateIdle,
		now:     time.Now,
	}, nil
}

// Update feeds one motion verdict into the state machine and performs
// any due transition. Called once per processed frame by the
// surveillance loop; safe against concurrent status reads.
func (c *Controller) Update(motion bool) (Change, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Change{}, nil
	}

	now := c.now()

	switch c.state {
	case StateIdle:
		if !motion {
			return Change{}, nil
		}
		return c.startLocked(now)

	case StateRecording:
		if motion {
			c.session.LastMotionTime = now
		}

		// Grace expiry closes the session; rotation only applies to a
		// session that is staying open.
		if !motion && now.Sub(c.session.LastMotionTime) >= c.cfg.PostRecord {
			return c.stopLocked(now)
		}
		if now.Sub(c.session.SegmentStartTime) >= c.cfg.SegmentDuration {
			return c.segmentLocked(now)
		}
		return Change{}, nil
	}

	return Change{}, nil
}

func (c *Controller) startLocked(now time.Time) (Change, error) {
	filename := c.store.NextFilename(c.cfg.CameraID, now)

	if err := c.capture.StartRecording(filename); err != nil {
		return Change{}, fmt.Errorf("failed to start recording: %w", err)
	}

	c.session = &Session{
		Filename:         filename,
		StartTime:        now,
		LastMotionTime:   now,
		SegmentStartTime: now,
		Segments:         1,
	}
	c.state = StateRecording
	c.totalRecordings++

	c.logger.Info("recording started",
		"filename", filename,
		"pre_record", c.cfg.PreRecord.String(),
	)
	return Change{Transition: TransitionStarted, Filename: filename}, nil
}

func (c *Controller) segmentLocked(now time.Time) (Change, error) {
	closed := c.session.Filename

	if err := c.capture.StopRecording(); err != nil {
		c.logger.Warn("failed to close segment, rotating anyway",
			"filename", closed,
			"error", err,
		)
	}

	filename := c.store.NextFilename(c.cfg.CameraID, now)
	if err := c.capture.StartRecording(filename); err != nil {
		// Without an open file the session cannot continue. Drop to
		// Idle; the next motion verdict retriggers a clean start.
		c.state = StateIdle
		c.session = nil
		return Change{Transition: TransitionStopped, Closed: closed},
			fmt.Errorf("failed to open next segment: %w", err)
	}

	c.session.Filename = filename
	c.session.SegmentStartTime = now
	c.session.Segments++
	c.totalSegments++

	c.logger.Info("segment rotated",
		"closed", closed,
		"filename", filename,
		"segment", c.session.Segments,
	)
	return Change{Transition: TransitionSegmented, Filename: filename, Closed: closed}, nil
}

func (c *Controller) stopLocked(now time.Time) (Change, error) {
	closed := c.session.Filename
	duration := now.Sub(c.session.StartTime)

	err := c.capture.StopRecording()

	// The session is discarded even if the backend errored, otherwise
	// the machine would wedge in StateRecording with no writable file.
	c.state = StateIdle
	c.session = nil

	if err != nil {
		return Change{Transition: TransitionStopped, Closed: closed, Duration: duration},
			fmt.Errorf("failed to stop recording: %w", err)
	}

	c.logger.Info("recording stopped",
		"filename", closed,
		"duration", duration.Round(time.Millisecond).String(),
	)
	return Change{Transition: TransitionStopped, Closed: closed, Duration: duration}, nil
}

// ShouldStart reports whether this verdict would open a file. Pure
// check: repeated calls never open anything.
func (c *Controller) ShouldStart(motion bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.state == StateIdle && motion
}

// ShouldStop reports whether this verdict would close the file. Pure
// check against the post-record grace window.
func (c *Controller) ShouldStop(motion bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording || motion {
		return false
	}
	return c.now().Sub(c.session.LastMotionTime) >= c.cfg.PostRecord
}

// StopActive force-closes the open session, if any. The machine stays
// armed; the next motion verdict starts a fresh recording.
func (c *Controller) StopActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishLocked()
}

// Close finalizes an in-flight recording during shutdown so no
// truncated file is left behind, then latches the machine shut:
// verdicts from a still-draining frame loop are ignored.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return c.finishLocked()
}

func (c *Controller) finishLocked() error {
	if c.state != StateRecording {
		return nil
	}
	_, err := c.stopLocked(c.now())
	return err
}

// SetPostRecord replaces the post-motion grace window. A session
// already in its grace period is judged against the new window on the
// next Update.
func (c *Controller) SetPostRecord(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid post-record duration %s (must be > 0)", d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.PostRecord = d
	return nil
}

// PostRecord returns the current post-motion grace window.
func (c *Controller) PostRecord() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.PostRecord
}

// State returns the current machine state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveFilename returns the file currently open for writing, or empty
// when idle
func (c *Controller) ActiveFilename() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Filename
}

// Status returns a snapshot for the control plane and health endpoint
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:           c.state.String(),
		TotalRecordings: c.totalRecordings,
		TotalSegments:   c.totalSegments,
	}
	if c.session != nil {
		st.ActiveFilename = c.session.Filename
		st.StartedAt = c.session.StartTime
		st.Segments = c.session.Segments
	}
	return st
}

// CleanupOldRecordings runs one retention pass, protecting the file
// currently open for writing
func (c *Controller) CleanupOldRecordings() CleanupResult {
	return c.store.Cleanup(c.ActiveFilename())
}

// EnforceStorageLimit triggers a forced cleanup when recordings
// approach the configured storage cap. Returns true when a pass ran.
func (c *Controller) EnforceStorageLimit() (CleanupResult, bool) {
	return c.store.EnforceLimit(c.ActiveFilename())
}

// Recordings lists completed and in-progress files, newest first
func (c *Controller) Recordings() ([]Recording, error) {
	return c.store.List(c.ActiveFilename())
}

// DeleteRecording removes a single file by name. Deleting the active
// recording fails with ErrRecordingBusy.
func (c *Controller) DeleteRecording(filename string) error {
	return c.store.Delete(filename, c.ActiveFilename())
}

// StorageStats reports recording disk usage
func (c *Controller) StorageStats() (StorageStats, error) {
	return c.store.Stats()
}
