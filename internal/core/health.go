package core

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/muzapapa-glitch/RasCam/internal/recorder"
	"github.com/muzapapa-glitch/RasCam/internal/thermal"
)

// HealthStatus is the readiness snapshot served over HTTP and
// published on the MQTT health topic
type HealthStatus struct {
	Status           string `json:"status"` // "healthy", "degraded", "unhealthy"
	CameraID         string `json:"camera_id"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	CaptureConnected bool   `json:"capture_connected"`
	MQTTConnected    bool   `json:"mqtt_connected"`
	Recording        bool   `json:"recording"`
	Paused           bool   `json:"paused"`
	ThermalBand      string `json:"thermal_band,omitempty"`
	FramesCaptured   uint64 `json:"frames_captured"`
}

// HealthCheck classifies the service: unhealthy without frames,
// degraded when the broker is gone or the SoC is critical.
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	paused := s.isPaused
	started := s.started
	src := s.capture
	mon := s.thermal
	rec := s.recorder
	s.mu.RUnlock()

	status := HealthStatus{
		Status:   "healthy",
		CameraID: s.cfg.Camera.ID,
		Paused:   paused,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if src != nil {
		stats := src.Stats()
		status.CaptureConnected = stats.IsConnected
		status.FramesCaptured = stats.FrameCount
	}
	if s.emitter != nil {
		status.MQTTConnected = s.emitter.Stats().Connected
	}
	if rec != nil {
		status.Recording = rec.State() == recorder.StateRecording
	}

	var band thermal.Band
	if mon != nil {
		band = mon.Band()
		status.ThermalBand = band.String()
	}

	switch {
	case !running || !status.CaptureConnected:
		status.Status = "unhealthy"
	case (s.cfg.MQTT.Enabled && !status.MQTTConnected) || band == thermal.BandCritical:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler answers /health: the process is up
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler answers /readiness with the full health snapshot.
// Degraded still answers 200; only unhealthy gets 503.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StartHealthServer serves /health, /readiness and /metrics without
// blocking. A disabled endpoint is a no-op.
func (s *Service) StartHealthServer() error {
	if !s.cfg.Health.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         s.cfg.Health.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.healthServer = server
	s.mu.Unlock()

	s.logger.Info("starting health server",
		"addr", s.cfg.Health.Addr,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", "error", err)
		}
	}()

	return nil
}

func (s *Service) stopHealthServer() {
	s.mu.RLock()
	server := s.healthServer
	s.mu.RUnlock()
	if server != nil {
		server.Close()
	}
}

// healthLoop refreshes the slow-moving gauges and publishes the
// health snapshot to MQTT
func (s *Service) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshStorageGauges()

			s.mu.RLock()
			mon := s.thermal
			s.mu.RUnlock()
			if mon != nil {
				st := mon.Status()
				if st.SensorOK {
					s.metrics.TemperatureCelsius.Set(st.Temperature)
				}
			}

			if s.emitter != nil {
				payload, err := json.Marshal(s.HealthCheck())
				if err != nil {
					continue
				}
				if err := s.emitter.PublishHealth(payload); err != nil {
					s.logger.Debug("health publish failed", "error", err)
				}
			}
		}
	}
}
