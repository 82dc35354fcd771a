package capture

import (
	"context"

	"github.com/muzapapa-glitch/RasCam/internal/types"
)

// Source is the capture backend contract. A backend produces the
// low-resolution luminance analysis stream on Frames and writes the
// high-resolution encoded stream to files on demand. While no file is
// open the backend keeps a rolling pre-record buffer; StartRecording
// prefixes the new file with that buffered content.
type Source interface {
	// Start begins frame production
	Start(ctx context.Context) error

	// Stop halts production and releases the device. The frames
	// channel is closed after the producer exits.
	Stop() error

	// Frames returns the analysis frame channel
	Frames() <-chan types.AnalysisFrame

	// StartRecording begins writing the high-resolution stream to the
	// named file, prefixed with the pre-record buffer.
	StartRecording(filename string) error

	// StopRecording finalizes the open file
	StopRecording() error

	// SetFrameRate retargets capture to fps. Idempotent for repeated
	// identical values.
	SetFrameRate(fps int) error

	// Stats returns a capture statistics snapshot
	Stats() types.CaptureStats
}
