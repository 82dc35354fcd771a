package capture

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// StreamInfo contains camera stream properties detected before the full
// pipeline comes up
type StreamInfo struct {
	Width      int
	Height     int
	FPS        int
	FrameRate  string // "15/1", "30000/1001"
	Format     string // "H264", "JPEG"
	DetectedAt time.Time
}

// ProbeRTSP connects to the camera and negotiates caps without playing
// the stream, so misconfiguration surfaces at startup instead of as a
// silent black recording
func ProbeRTSP(rtspURL string, timeout time.Duration) (*StreamInfo, error) {
	slog.Info("probing rtsp camera", "url", rtspURL)

	gst.Init(nil)

	// protocols=4 forces TCP, latency matches the capture pipeline
	pipelineStr := fmt.Sprintf(
		"rtspsrc location=%s protocols=4 latency=200 ! "+
			"rtph264depay ! "+
			"h264parse ! "+
			"avdec_h264 ! "+
			"videoconvert ! "+
			"fakesink",
		rtspURL,
	)

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	info := &StreamInfo{DetectedAt: time.Now()}
	detected := make(chan struct{})

	bus := pipeline.GetPipelineBus()
	bus.AddWatch(func(msg *gst.Message) bool {
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("probe pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			close(detected)
			return false

		case gst.MessageStateChanged:
			// Caps are negotiated once the pipeline reaches PAUSED
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePaused {
					if err := extractStreamInfo(pipeline, info); err != nil {
						slog.Error("failed to extract stream info", "error", err)
					} else {
						close(detected)
						return false
					}
				}
			}
		}
		return true
	})

	if err := pipeline.SetState(gst.StatePaused); err != nil {
		return nil, fmt.Errorf("failed to pause probe pipeline: %w", err)
	}

	select {
	case <-detected:
		if info.Width == 0 || info.Height == 0 {
			return nil, fmt.Errorf("probe finished without stream info")
		}
		slog.Info("camera stream detected",
			"width", info.Width,
			"height", info.Height,
			"fps", info.FPS,
			"framerate", info.FrameRate,
			"format", info.Format,
		)
		return info, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for stream info after %v", timeout)
	}
}

// extractStreamInfo walks the pipeline looking for negotiated video caps
func extractStreamInfo(pipeline *gst.Pipeline, info *StreamInfo) error {
	elements, err := pipeline.GetElements()
	if err != nil {
		return fmt.Errorf("failed to get pipeline elements: %w", err)
	}

	for _, elem := range elements {
		pads, err := elem.GetSinkPads()
		if err != nil || len(pads) == 0 {
			continue
		}

		caps := pads[0].GetCurrentCaps()
		if caps == nil || caps.GetSize() == 0 {
			continue
		}

		structure := caps.GetStructureAt(0)
		structName := structure.Name()
		if structName != "video/x-raw" && structName != "video/x-h264" {
			continue
		}

		if val, err := structure.GetValue("width"); err == nil {
			if width, ok := val.(int); ok {
				info.Width = width
			}
		}
		if val, err := structure.GetValue("height"); err == nil {
			if height, ok := val.(int); ok {
				info.Height = height
			}
		}
		if val, err := structure.GetValue("framerate"); err == nil {
			info.FrameRate = fmt.Sprintf("%v", val)
			if fps := parseFPS(info.FrameRate); fps > 0 {
				info.FPS = fps
			}
		}
		if val, err := structure.GetValue("format"); err == nil {
			if format, ok := val.(string); ok {
				info.Format = format
			}
		}

		if info.Width > 0 && info.Height > 0 {
			return nil
		}
	}

	return fmt.Errorf("no video caps found in probe pipeline")
}

// parseFPS converts a framerate fraction to whole frames per second.
// "30/1" reads as 30, "30000/1001" as 29.
func parseFPS(framerate string) int {
	var numerator, denominator int
	if _, err := fmt.Sscanf(framerate, "%d/%d", &numerator, &denominator); err == nil {
		if denominator > 0 {
			return numerator / denominator
		}
	}

	var fps int
	if _, err := fmt.Sscanf(framerate, "%d", &fps); err == nil {
		return fps
	}
	return 0
}

// ClampFrameRate caps the configured analysis rate to what the camera
// actually delivers. Asking videorate for more than the sensor produces
// just duplicates frames and burns detector cycles on identical pixels.
func ClampFrameRate(info *StreamInfo, configured int) int {
	if info == nil || info.FPS <= 0 {
		return configured
	}
	if configured > info.FPS {
		slog.Warn("configured frame rate exceeds camera output, clamping",
			"configured_fps", configured,
			"camera_fps", info.FPS,
		)
		return info.FPS
	}
	return configured
}
