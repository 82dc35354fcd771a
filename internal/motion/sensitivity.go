package motion

import "fmt"

// Sensitivity presets map user-facing level names to mean-squared
// luminance difference thresholds. Lower thresholds trigger on smaller
// changes.
const (
	SensitivityLow      = "low"
	SensitivityMedium   = "medium"
	SensitivityHigh     = "high"
	SensitivityVeryHigh = "very_high"
)

var presetThresholds = map[string]float64{
	SensitivityLow:      15.0,
	SensitivityMedium:   7.0,
	SensitivityHigh:     4.0,
	SensitivityVeryHigh: 2.0,
}

// ThresholdForPreset returns the threshold for a preset name.
func ThresholdForPreset(name string) (float64, error) {
	t, ok := presetThresholds[name]
	if !ok {
		return 0, fmt.Errorf("unknown sensitivity preset %q (valid: %s, %s, %s, %s)",
			name, SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityVeryHigh)
	}
	return t, nil
}

// PresetForThreshold maps a numeric threshold back to the closest preset
// name for status reporting.
func PresetForThreshold(threshold float64) string {
	switch {
	case threshold >= presetThresholds[SensitivityLow]:
		return SensitivityLow
	case threshold >= presetThresholds[SensitivityMedium]:
		return SensitivityMedium
	case threshold >= presetThresholds[SensitivityHigh]:
		return SensitivityHigh
	default:
		return SensitivityVeryHigh
	}
}
