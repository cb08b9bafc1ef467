package engine

import (
	"errors"
	"testing"
)

func TestConfigErrorfWrapsSentinel(t *testing.T) {
	err := configErrorf("batch size %d out of range", -1)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("errors.Is(err, ErrConfig) = false for %v", err)
	}
	if got := err.Error(); got != "invalid configuration: batch size -1 out of range" {
		t.Errorf("message = %q", got)
	}
}

func TestHardwareErrorFormatAndUnwrap(t *testing.T) {
	cause := errors.New("operation not permitted")
	err := &HardwareError{DeviceID: 1003, Op: "pin to core 2", Err: cause}

	if got := err.Error(); got != "device 1003: pin to core 2: operation not permitted" {
		t.Errorf("message = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the wrapped cause")
	}

	var hw *HardwareError
	if !errors.As(error(err), &hw) || hw.DeviceID != 1003 {
		t.Errorf("errors.As = %v, device %d", hw != nil, hw.DeviceID)
	}
}

func TestBindFailureReportsHardwareError(t *testing.T) {
	// Manual assignment to a core the scheduler accepts; the interesting
	// part is the error shape when the thread pin itself fails, which the
	// non-Linux stub and a restricted Linux environment both produce.
	sched, err := NewAffinityScheduler(AffinityConfig{
		Enabled:  true,
		Strategy: "manual",
		Manual:   map[uint32]int{7: 0},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := sched.Bind(7); err != nil {
		var hw *HardwareError
		if !errors.As(err, &hw) {
			t.Fatalf("bind error %v is not a HardwareError", err)
		}
		if hw.DeviceID != 7 {
			t.Errorf("device id = %d, want 7", hw.DeviceID)
		}
	}
}
