package observability

import (
	"github.com/muzapapa-glitch/RasCam/internal/events"
)

// Record updates the collectors from one bus event. The frame loop
// drives its own counters directly; everything that leaves the loop as
// an event lands here, so each collector has exactly one writer.
func (m *Metrics) Record(ev events.Event) {
	switch ev.Type {
	case events.TypeMotion:
		m.MotionEvents.Inc()

	case events.TypeRecordingStarted:
		m.RecordingsStarted.Inc()
		m.RecordingActive.Set(1)

	case events.TypeRecordingSegment:
		m.RecordingSegments.Inc()

	case events.TypeRecordingStopped:
		m.RecordingActive.Set(0)

	case events.TypeThermalTransition:
		m.ThermalBand.Set(dataNumber(ev.Data, "band"))
		m.TemperatureCelsius.Set(dataNumber(ev.Data, "temperature_c"))
		if fps := dataNumber(ev.Data, "target_fps"); fps > 0 {
			m.TargetFPS.Set(fps)
		}

	case events.TypeCleanup:
		m.CleanupDeleted.Add(dataNumber(ev.Data, "deleted"))
	}
}

// dataNumber reads a numeric event field regardless of whether the
// producer stored an int or a float.
func dataNumber(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}
