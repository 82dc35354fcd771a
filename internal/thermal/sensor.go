package thermal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	vcgencmdBin      = "vcgencmd"
	sensorTimeout    = 5 * time.Second
	sysfsThermalPath = "/sys/class/thermal/thermal_zone0/temp"
)

// Sensor reads the SoC temperature in degrees Celsius
type Sensor interface {
	ReadTemperature(ctx context.Context) (float64, error)
}

// ThrottleReader is the optional firmware flag surface of a sensor
type ThrottleReader interface {
	ReadThrottleFlags(ctx context.Context) (ThrottleFlags, error)
}

// ThrottleFlags decodes the firmware get_throttled bitmask. The "now"
// flags describe the current state, the "occurred" flags are sticky
// since boot.
type ThrottleFlags struct {
	UndervoltageNow       bool   `json:"undervoltage_now"`
	FreqCappedNow         bool   `json:"freq_capped_now"`
	ThrottledNow          bool   `json:"throttled_now"`
	SoftTempLimitNow      bool   `json:"soft_temp_limit_now"`
	UndervoltageOccurred  bool   `json:"undervoltage_occurred"`
	FreqCappedOccurred    bool   `json:"freq_capped_occurred"`
	ThrottledOccurred     bool   `json:"throttled_occurred"`
	SoftTempLimitOccurred bool   `json:"soft_temp_limit_occurred"`
	Raw                   string `json:"raw"`
}

// NewSensor builds a sensor by configured kind
func NewSensor(kind string) (Sensor, error) {
	switch kind {
	case "vcgencmd", "":
		return &VCGenCmdSensor{}, nil
	case "sysfs":
		return &SysfsSensor{}, nil
	default:
		return nil, fmt.Errorf("unknown thermal sensor %q", kind)
	}
}

// VCGenCmdSensor reads temperature and throttle flags through the
// Raspberry Pi firmware tool.
type VCGenCmdSensor struct{}

func (s *VCGenCmdSensor) ReadTemperature(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, sensorTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, vcgencmdBin, "measure_temp").Output()
	if err != nil {
		return 0, fmt.Errorf("failed to run vcgencmd measure_temp: %w", err)
	}
	return parseTemperature(string(out))
}

func (s *VCGenCmdSensor) ReadThrottleFlags(ctx context.Context) (ThrottleFlags, error) {
	ctx, cancel := context.WithTimeout(ctx, sensorTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, vcgencmdBin, "get_throttled").Output()
	if err != nil {
		return ThrottleFlags{}, fmt.Errorf("failed to run vcgencmd get_throttled: %w", err)
	}
	return parseThrottleFlags(string(out))
}

// SysfsSensor reads the kernel thermal zone, available on any Linux
// host without the firmware tools.
type SysfsSensor struct {
	Path string
}

func (s *SysfsSensor) ReadTemperature(_ context.Context) (float64, error) {
	path := s.Path
	if path == "" {
		path = sysfsThermalPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read thermal zone: %w", err)
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse thermal zone value %q: %w", strings.TrimSpace(string(data)), err)
	}
	return float64(milli) / 1000.0, nil
}

// parseTemperature parses the firmware format temp=62.3'C
func parseTemperature(out string) (float64, error) {
	s := strings.TrimSpace(out)
	rest, ok := strings.CutPrefix(s, "temp=")
	if !ok {
		return 0, fmt.Errorf("unexpected measure_temp output %q", s)
	}
	rest = strings.TrimSuffix(rest, "'C")

	temp, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse temperature from %q: %w", s, err)
	}
	return temp, nil
}

// parseThrottleFlags parses the firmware format throttled=0x50005
func parseThrottleFlags(out string) (ThrottleFlags, error) {
	s := strings.TrimSpace(out)
	rest, ok := strings.CutPrefix(s, "throttled=")
	if !ok {
		return ThrottleFlags{}, fmt.Errorf("unexpected get_throttled output %q", s)
	}

	raw, err := strconv.ParseUint(strings.TrimPrefix(rest, "0x"), 16, 64)
	if err != nil {
		return ThrottleFlags{}, fmt.Errorf("failed to parse throttle mask from %q: %w", s, err)
	}

	return ThrottleFlags{
		UndervoltageNow:       raw&0x1 != 0,
		FreqCappedNow:         raw&0x2 != 0,
		ThrottledNow:          raw&0x4 != 0,
		SoftTempLimitNow:      raw&0x8 != 0,
		UndervoltageOccurred:  raw&0x10000 != 0,
		FreqCappedOccurred:    raw&0x20000 != 0,
		ThrottledOccurred:     raw&0x40000 != 0,
		SoftTempLimitOccurred: raw&0x80000 != 0,
		Raw:                   rest,
	}, nil
}
