package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// Temperature status thresholds in °C.
const (
	DefaultTempWarning  float32 = 75
	DefaultTempCritical float32 = 85
)

const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// TemperatureStatus classifies a CPU temperature reading.
type TemperatureStatus int

const (
	TempNormal TemperatureStatus = iota
	TempWarning
	TempCritical
)

func (s TemperatureStatus) String() string {
	switch s {
	case TempNormal:
		return "normal"
	case TempWarning:
		return "warning"
	case TempCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// TemperatureConfig controls CPU temperature monitoring.
type TemperatureConfig struct {
	Enabled           bool    `yaml:"enabled"`
	WarningThreshold  float32 `yaml:"warning_threshold"`
	CriticalThreshold float32 `yaml:"critical_threshold"`
}

// DefaultTemperatureConfig returns monitoring enabled with stock thresholds.
func DefaultTemperatureConfig() TemperatureConfig {
	return TemperatureConfig{
		Enabled:           true,
		WarningThreshold:  DefaultTempWarning,
		CriticalThreshold: DefaultTempCritical,
	}
}

// TemperatureReader reads the CPU package temperature. Sensor support is
// probed once at construction; hosts without a usable sensor report
// ErrTempUnsupported from Read for the reader's whole lifetime.
type TemperatureReader struct {
	cfg       TemperatureConfig
	supported bool
	useSysfs  bool
}

// NewTemperatureReader probes available sensors and returns a reader.
func NewTemperatureReader(cfg TemperatureConfig) *TemperatureReader {
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultTempWarning
	}
	if cfg.CriticalThreshold <= cfg.WarningThreshold {
		cfg.CriticalThreshold = DefaultTempCritical
	}
	r := &TemperatureReader{cfg: cfg}
	if !cfg.Enabled {
		return r
	}
	if _, err := readSensorTemp(); err == nil {
		r.supported = true
		return r
	}
	if _, err := readSysfsTemp(); err == nil {
		r.supported = true
		r.useSysfs = true
	}
	return r
}

// Supported reports whether this host exposes a usable CPU sensor.
func (r *TemperatureReader) Supported() bool { return r.supported }

// Read returns the current CPU temperature in °C.
func (r *TemperatureReader) Read() (float32, error) {
	if !r.supported {
		return 0, ErrTempUnsupported
	}
	if r.useSysfs {
		return readSysfsTemp()
	}
	return readSensorTemp()
}

// Status reads the temperature and classifies it against the configured
// thresholds.
func (r *TemperatureReader) Status() (float32, TemperatureStatus, error) {
	temp, err := r.Read()
	if err != nil {
		return 0, TempNormal, err
	}
	return temp, r.classify(temp), nil
}

func (r *TemperatureReader) classify(temp float32) TemperatureStatus {
	switch {
	case temp >= r.cfg.CriticalThreshold:
		return TempCritical
	case temp >= r.cfg.WarningThreshold:
		return TempWarning
	default:
		return TempNormal
	}
}

// cpuSensorKeys mark sensor names that report CPU package or core
// temperature across common platforms.
var cpuSensorKeys = []string{"coretemp", "k10temp", "cpu", "soc", "package"}

func readSensorTemp() (float32, error) {
	sensors, err := host.SensorsTemperatures()
	if err != nil {
		return 0, err
	}
	for _, s := range sensors {
		key := strings.ToLower(s.SensorKey)
		for _, want := range cpuSensorKeys {
			if strings.Contains(key, want) && s.Temperature > 0 {
				return float32(s.Temperature), nil
			}
		}
	}
	return 0, fmt.Errorf("no cpu temperature sensor among %d sensors", len(sensors))
}

func readSysfsTemp() (float32, error) {
	raw, err := os.ReadFile(thermalZonePath)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", thermalZonePath, err)
	}
	return float32(milli) / 1000, nil
}
