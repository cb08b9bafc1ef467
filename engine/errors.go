package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by queue and device operations. Callers are
// expected to match them with errors.Is.
var (
	// ErrQueueFull is returned by WorkQueue.Enqueue when the pending queue
	// is at capacity. The job is not retained; the caller owns it.
	ErrQueueFull = errors.New("work queue full")

	// ErrChannelClosed indicates the push delivery channel is no longer
	// accepting results, usually because the device is shutting down.
	ErrChannelClosed = errors.New("result channel closed")

	// ErrAlreadyRunning is returned by lifecycle operations that require
	// the device or core to be stopped first.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning is returned by operations that require an active
	// device or core.
	ErrNotRunning = errors.New("not running")

	// ErrNotInitialized is returned when Start is called before Initialize.
	ErrNotInitialized = errors.New("not initialized")

	// ErrConfig wraps all configuration validation failures.
	ErrConfig = errors.New("invalid configuration")

	// ErrTempUnsupported is returned by TemperatureReader.Read when no CPU
	// temperature source is available on this host.
	ErrTempUnsupported = errors.New("temperature monitoring not supported")
)

// configErrorf builds a validation error wrapping ErrConfig so callers can
// classify it with errors.Is(err, ErrConfig).
func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// HardwareError reports a device-level fault attributed to a specific device.
type HardwareError struct {
	DeviceID uint32
	Op       string
	Err      error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("device %d: %s: %v", e.DeviceID, e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }
