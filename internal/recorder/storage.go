package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrRecordingBusy means the file is the active recording and
	// cannot be deleted until the session closes.
	ErrRecordingBusy = errors.New("recording is in progress")

	// ErrRecordingNotFound means no file with that name exists under
	// the storage path.
	ErrRecordingNotFound = errors.New("recording not found")

	// ErrInvalidFilename means the name is not a recording file.
	ErrInvalidFilename = errors.New("invalid recording filename")
)

const (
	recordingExt       = ".mp4"
	filenameTimeLayout = "20060102_150405"

	bytesPerGB = 1024 * 1024 * 1024

	// Forced cleanup kicks in once recordings fill this share of the
	// configured storage cap.
	storageLimitRatio = 0.9
)

// Recording is the metadata for one file under the storage path
type Recording struct {
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	Active     bool      `json:"active,omitempty"`
}

// CleanupResult summarizes one retention pass
type CleanupResult struct {
	Scanned    int   `json:"scanned"`
	Deleted    int   `json:"deleted"`
	Failed     int   `json:"failed"`
	FreedBytes int64 `json:"freed_bytes"`
}

// StorageStats reports disk usage of the recording volume
type StorageStats struct {
	TotalBytes   int64     `json:"total_bytes"`
	FreeBytes    int64     `json:"free_bytes"`
	MaxBytes     int64     `json:"max_bytes"`
	UsagePercent float64   `json:"usage_percent"`
	Count        int       `json:"count"`
	LastCleanup  time.Time `json:"last_cleanup,omitempty"`
}

// Store owns the recording files on disk: naming, listing, retention
// and deletion. The recording state machine lives in Controller; the
// store only ever learns the active filename as a call argument.
type Store struct {
	path          string
	retentionDays int
	maxBytes      int64
	logger        *slog.Logger

	mu          sync.Mutex
	lastCleanup time.Time

	now func() time.Time
}

// NewStore creates the storage directory if needed
func NewStore(path string, retentionDays int, maxStorageGB float64, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if retentionDays < 0 {
		return nil, fmt.Errorf("retention days must not be negative, got %d", retentionDays)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:          path,
		retentionDays: retentionDays,
		maxBytes:      int64(maxStorageGB * bytesPerGB),
		logger:        logger.With("component", "storage"),
		now:           time.Now,
	}, nil
}

// NextFilename allocates a path for a new recording. The timestamp
// prefix makes creation time recoverable from the name alone.
func (s *Store) NextFilename(cameraID string, t time.Time) string {
	name := fmt.Sprintf("%s_motion_%s%s", t.Format(filenameTimeLayout), cameraID, recordingExt)
	return filepath.Join(s.path, name)
}

// List returns all recordings, newest first. The entry matching the
// active filename is flagged but included.
func (s *Store) List(active string) ([]Recording, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage path: %w", err)
	}

	activeName := baseName(active)
	recordings := make([]Recording, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordingExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		recordings = append(recordings, Recording{
			Filename:   entry.Name(),
			Path:       filepath.Join(s.path, entry.Name()),
			SizeBytes:  info.Size(),
			CreatedAt:  recordingTime(entry.Name(), info.ModTime()),
			ModifiedAt: info.ModTime(),
			Active:     entry.Name() == activeName,
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].CreatedAt.After(recordings[j].CreatedAt)
	})
	return recordings, nil
}

// Delete removes a single recording by name. The active recording is
// refused with ErrRecordingBusy; the caller sees no state change.
func (s *Store) Delete(filename, active string) error {
	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) || !strings.HasSuffix(name, recordingExt) {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	if name == baseName(active) {
		return fmt.Errorf("%w: %s", ErrRecordingBusy, name)
	}

	if err := os.Remove(filepath.Join(s.path, name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrRecordingNotFound, name)
		}
		return fmt.Errorf("failed to delete recording %s: %w", name, err)
	}

	s.logger.Info("recording deleted", "filename", name)
	return nil
}

// Cleanup deletes recordings older than the retention window. The
// active file is never touched. A failed deletion is logged and the
// pass continues with the remaining files.
func (s *Store) Cleanup(active string) CleanupResult {
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	activeName := baseName(active)

	var result CleanupResult

	entries, err := os.ReadDir(s.path)
	if err != nil {
		s.logger.Error("cleanup failed to read storage path", "error", err)
		return result
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordingExt) {
			continue
		}
		result.Scanned++

		if entry.Name() == activeName {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			result.Failed++
			continue
		}
		if !recordingTime(entry.Name(), info.ModTime()).Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(s.path, entry.Name())); err != nil {
			result.Failed++
			s.logger.Warn("failed to delete old recording",
				"filename", entry.Name(),
				"error", err,
			)
			continue
		}
		result.Deleted++
		result.FreedBytes += info.Size()
	}

	s.mu.Lock()
	s.lastCleanup = s.now()
	s.mu.Unlock()

	if result.Deleted > 0 {
		s.logger.Info("retention cleanup done",
			"deleted", result.Deleted,
			"freed_mb", result.FreedBytes/(1024*1024),
			"failed", result.Failed,
		)
	}
	return result
}

// EnforceLimit runs a forced cleanup when recordings exceed 90% of the
// configured storage cap. Returns true when a pass ran.
func (s *Store) EnforceLimit(active string) (CleanupResult, bool) {
	if s.maxBytes <= 0 {
		return CleanupResult{}, false
	}

	total, _, err := s.usage()
	if err != nil {
		s.logger.Error("failed to check storage usage", "error", err)
		return CleanupResult{}, false
	}
	if float64(total) <= float64(s.maxBytes)*storageLimitRatio {
		return CleanupResult{}, false
	}

	s.logger.Warn("storage limit reached, forcing cleanup",
		"total_mb", total/(1024*1024),
		"max_mb", s.maxBytes/(1024*1024),
	)
	return s.Cleanup(active), true
}

// Stats reports recording sizes and free space on the volume
func (s *Store) Stats() (StorageStats, error) {
	total, count, err := s.usage()
	if err != nil {
		return StorageStats{}, err
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(s.path, &fs); err != nil {
		return StorageStats{}, fmt.Errorf("failed to stat storage volume: %w", err)
	}
	free := int64(fs.Bavail) * int64(fs.Bsize)

	stats := StorageStats{
		TotalBytes: total,
		FreeBytes:  free,
		MaxBytes:   s.maxBytes,
		Count:      count,
	}
	if s.maxBytes > 0 {
		stats.UsagePercent = float64(total) / float64(s.maxBytes) * 100
	}

	s.mu.Lock()
	stats.LastCleanup = s.lastCleanup
	s.mu.Unlock()

	if free < 5*bytesPerGB {
		s.logger.Warn("low free space on recording volume", "free_mb", free/(1024*1024))
	}
	return stats, nil
}

// usage sums the size of all recording files
func (s *Store) usage() (int64, int, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read storage path: %w", err)
	}

	var total int64
	var count int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordingExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		count++
	}
	return total, count, nil
}

// recordingTime recovers creation time from the filename's timestamp
// prefix, falling back to filesystem mtime for foreign files.
func recordingTime(name string, modTime time.Time) time.Time {
	if len(name) < len(filenameTimeLayout) {
		return modTime
	}
	ts, err := time.ParseInLocation(filenameTimeLayout, name[:len(filenameTimeLayout)], time.Local)
	if err != nil {
		return modTime
	}
	return ts
}

func baseName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
