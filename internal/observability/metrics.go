// Package observability exposes Prometheus metrics for the motion
// pipeline, the recording lifecycle and the thermal governor.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors registered on the default registry.
// The health server serves them through promhttp.
type Metrics struct {
	FramesProcessed prometheus.Counter
	FramesDropped   prometheus.Counter
	MotionEvents    prometheus.Counter

	RecordingsStarted prometheus.Counter
	RecordingSegments prometheus.Counter
	RecordingActive   prometheus.Gauge

	StorageUsedBytes prometheus.Gauge
	StorageFreeBytes prometheus.Gauge
	RecordingsStored prometheus.Gauge
	CleanupDeleted   prometheus.Counter

	TemperatureCelsius prometheus.Gauge
	ThermalBand        prometheus.Gauge
	TargetFPS          prometheus.Gauge

	DetectionSeconds prometheus.Histogram
}

// NewMetrics creates and registers the collectors. Call once per
// process; a second call panics on duplicate registration.
func NewMetrics() *Metrics {
	m := &Metrics{
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rascam_frames_processed_total",
			Help: "Analysis frames run through the motion detector.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rascam_frames_dropped_total",
			Help: "Analysis frames dropped because the pipeline was busy.",
		}),
		MotionEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rascam_motion_events_total",
			Help: "Debounced motion verdicts.",
		}),
		RecordingsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rascam_recordings_started_total",
			Help: "Recording sessions opened by motion.",
		}),
		RecordingSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rascam_recording_segments_total",
			Help: "Segment files rotated inside recording sessions.",
		}),
		RecordingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rascam_recording_active",
			Help: "1 while a recording session is open.",
		}),
		StorageUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rascam_storage_used_bytes",
			Help: "Bytes held by stored recordings.",
		}),
		StorageFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rascam_storage_free_bytes",
			Help: "Free bytes on the recording filesystem.",
		}),
		RecordingsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rascam_recordings_stored",
			Help: "Recording files currently on disk.",
		}),
		CleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rascam_cleanup_deleted_total",
			Help: "Recordings removed by retention and storage cleanup.",
		}),
		TemperatureCelsius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rascam_temperature_celsius",
			Help: "Last SoC temperature sample.",
		}),
		ThermalBand: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rascam_thermal_band",
			Help: "Thermal band: 0 normal, 1 warning, 2 throttled, 3 critical.",
		}),
		TargetFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rascam_target_fps",
			Help: "Frame rate currently requested from the capture backend.",
		}),
		DetectionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rascam_detection_seconds",
			Help:    "Per-frame motion analysis latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	prometheus.MustRegister(
		m.FramesProcessed,
		m.FramesDropped,
		m.MotionEvents,
		m.RecordingsStarted,
		m.RecordingSegments,
		m.RecordingActive,
		m.StorageUsedBytes,
		m.StorageFreeBytes,
		m.RecordingsStored,
		m.CleanupDeleted,
		m.TemperatureCelsius,
		m.ThermalBand,
		m.TargetFPS,
		m.DetectionSeconds,
	)

	return m
}
