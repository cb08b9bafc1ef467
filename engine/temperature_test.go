package engine

import (
	"errors"
	"testing"
)

func TestTemperatureReaderDisabled(t *testing.T) {
	r := NewTemperatureReader(TemperatureConfig{Enabled: false})
	if r.Supported() {
		t.Error("disabled reader should not report support")
	}
	if _, err := r.Read(); !errors.Is(err, ErrTempUnsupported) {
		t.Errorf("read = %v, want ErrTempUnsupported", err)
	}
	if _, _, err := r.Status(); !errors.Is(err, ErrTempUnsupported) {
		t.Errorf("status = %v, want ErrTempUnsupported", err)
	}
}

func TestTemperatureThresholdDefaults(t *testing.T) {
	// Zero and inverted thresholds fall back to stock values.
	r := NewTemperatureReader(TemperatureConfig{
		Enabled:           false,
		WarningThreshold:  0,
		CriticalThreshold: 0,
	})
	if r.cfg.WarningThreshold != DefaultTempWarning {
		t.Errorf("warning = %f, want %f", r.cfg.WarningThreshold, DefaultTempWarning)
	}
	if r.cfg.CriticalThreshold != DefaultTempCritical {
		t.Errorf("critical = %f, want %f", r.cfg.CriticalThreshold, DefaultTempCritical)
	}
}

func TestTemperatureClassification(t *testing.T) {
	r := NewTemperatureReader(DefaultTemperatureConfig())

	cases := []struct {
		temp float32
		want TemperatureStatus
	}{
		{40, TempNormal},
		{74.9, TempNormal},
		{75, TempWarning},
		{84.9, TempWarning},
		{85, TempCritical},
		{100, TempCritical},
	}
	for _, c := range cases {
		if got := r.classify(c.temp); got != c.want {
			t.Errorf("classify(%f) = %v, want %v", c.temp, got, c.want)
		}
	}
}

func TestTemperatureStatusString(t *testing.T) {
	if TempNormal.String() != "normal" || TempWarning.String() != "warning" || TempCritical.String() != "critical" {
		t.Error("status strings wrong")
	}
}
