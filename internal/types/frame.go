package types

import (
	"fmt"
	"time"
)

// AnalysisFrame is a single luminance frame from the low-resolution
// analysis stream. Data holds one byte per pixel, row-major.
type AnalysisFrame struct {
	// Seq is the monotonic sequence number assigned by the capture backend
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the luminance plane (Width*Height bytes)
	Data []byte
	// TraceID is a unique identifier for tracing a frame through the cycle
	TraceID string
}

// Region returns the sub-region of the frame covered by r as a copy.
// The rectangle must already be validated against the frame bounds.
func (f *AnalysisFrame) Region(r Rect) []byte {
	out := make([]byte, 0, r.Width*r.Height)
	for y := r.Y; y < r.Y+r.Height; y++ {
		row := y * f.Width
		out = append(out, f.Data[row+r.X:row+r.X+r.Width]...)
	}
	return out
}

// Rect is a rectangle in analysis-frame pixel coordinates.
type Rect struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Area returns the pixel area of the rectangle.
func (r Rect) Area() int {
	return r.Width * r.Height
}

// Within reports whether the rectangle lies entirely inside a frame of
// the given dimensions with non-negative origin and positive size.
func (r Rect) Within(frameWidth, frameHeight int) bool {
	if r.X < 0 || r.Y < 0 || r.Width <= 0 || r.Height <= 0 {
		return false
	}
	return r.X+r.Width <= frameWidth && r.Y+r.Height <= frameHeight
}

// Clamp trims the rectangle to the given frame dimensions.
func (r *Rect) Clamp(frameWidth, frameHeight int) {
	if r.X < 0 {
		r.X = 0
	}
	if r.Y < 0 {
		r.Y = 0
	}
	if r.X+r.Width > frameWidth {
		r.Width = frameWidth - r.X
	}
	if r.Y+r.Height > frameHeight {
		r.Height = frameHeight - r.Y
	}
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// CaptureStats contains capture backend statistics.
type CaptureStats struct {
	FrameCount  uint64
	FPSTarget   int
	FPSReal     float64
	LatencyMS   int64
	Resolution  string
	Reconnects  uint32
	BytesRead   uint64
	IsConnected bool
	Dropped     uint64
	Recording   bool
}
