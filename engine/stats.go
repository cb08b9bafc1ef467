package engine

import (
	"math"
	"sync/atomic"
	"time"
)

// DeviceStats holds per-device counters updated without locks. Float values
// are stored as IEEE-754 bit patterns inside atomic integers so readers and
// writers never contend.
type DeviceStats struct {
	deviceID uint32

	totalHashes    atomic.Uint64
	accepted       atomic.Uint64
	rejected       atomic.Uint64
	hardwareErrors atomic.Uint64

	currentHashrate atomic.Uint64 // float64 bits, H/s
	averageHashrate atomic.Uint64 // float64 bits, H/s
	temperature     atomic.Uint32 // float32 bits, °C, 0 = unknown
	power           atomic.Uint32 // float32 bits, W, 0 = unknown

	startNanos      atomic.Int64
	lastUpdateNanos atomic.Int64
}

// StatsSnapshot is a consistent-enough copy of DeviceStats for reporting.
type StatsSnapshot struct {
	DeviceID        uint32
	TotalHashes     uint64
	Accepted        uint64
	Rejected        uint64
	HardwareErrors  uint64
	CurrentHashrate float64
	AverageHashrate float64
	Temperature     float32
	Power           float32
	StartedAt       time.Time
	LastUpdate      time.Time
}

// ErrorRate returns hardware errors as a fraction of all counted shares.
func (s StatsSnapshot) ErrorRate() float64 {
	total := s.Accepted + s.Rejected + s.HardwareErrors
	if total == 0 {
		return 0
	}
	return float64(s.HardwareErrors) / float64(total)
}

// NewDeviceStats builds a stats block with the epoch set to now.
func NewDeviceStats(deviceID uint32) *DeviceStats {
	s := &DeviceStats{deviceID: deviceID}
	now := time.Now().UnixNano()
	s.startNanos.Store(now)
	s.lastUpdateNanos.Store(now)
	return s
}

// RecordHashes adds n hashes performed over elapsed wall time and refreshes
// the derived current and lifetime-average hashrates.
func (s *DeviceStats) RecordHashes(n uint64, elapsed time.Duration) {
	total := s.totalHashes.Add(n)
	now := time.Now()

	if secs := elapsed.Seconds(); secs > 0 {
		s.currentHashrate.Store(math.Float64bits(float64(n) / secs))
	}
	if lifetime := now.Sub(time.Unix(0, s.startNanos.Load())).Seconds(); lifetime > 0 {
		s.averageHashrate.Store(math.Float64bits(float64(total) / lifetime))
	}
	s.lastUpdateNanos.Store(now.UnixNano())
}

// IncrementAccepted counts one accepted share.
func (s *DeviceStats) IncrementAccepted() { s.accepted.Add(1) }

// IncrementRejected counts one rejected share.
func (s *DeviceStats) IncrementRejected() { s.rejected.Add(1) }

// IncrementHardwareError counts one hardware fault.
func (s *DeviceStats) IncrementHardwareError() { s.hardwareErrors.Add(1) }

// SetTemperature stores the latest device temperature in °C.
func (s *DeviceStats) SetTemperature(c float32) {
	s.temperature.Store(math.Float32bits(c))
}

// SetPower stores the latest device power draw in watts.
func (s *DeviceStats) SetPower(w float32) {
	s.power.Store(math.Float32bits(w))
}

// Reset zeroes all counters and restarts the epoch. Environmental readings
// (temperature, power) are kept, matching a device that is still physically
// present.
func (s *DeviceStats) Reset() {
	s.totalHashes.Store(0)
	s.accepted.Store(0)
	s.rejected.Store(0)
	s.hardwareErrors.Store(0)
	s.currentHashrate.Store(0)
	s.averageHashrate.Store(0)
	now := time.Now().UnixNano()
	s.startNanos.Store(now)
	s.lastUpdateNanos.Store(now)
}

// Snapshot copies the counters into a plain struct.
func (s *DeviceStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		DeviceID:        s.deviceID,
		TotalHashes:     s.totalHashes.Load(),
		Accepted:        s.accepted.Load(),
		Rejected:        s.rejected.Load(),
		HardwareErrors:  s.hardwareErrors.Load(),
		CurrentHashrate: math.Float64frombits(s.currentHashrate.Load()),
		AverageHashrate: math.Float64frombits(s.averageHashrate.Load()),
		Temperature:     math.Float32frombits(s.temperature.Load()),
		Power:           math.Float32frombits(s.power.Load()),
		StartedAt:       time.Unix(0, s.startNanos.Load()),
		LastUpdate:      time.Unix(0, s.lastUpdateNanos.Load()),
	}
}

// RawCounters exposes the raw hash count and epoch for aggregation. Core
// averages are recomputed from these rather than averaging per-device
// averages.
func (s *DeviceStats) RawCounters() (hashes uint64, startNanos int64) {
	return s.totalHashes.Load(), s.startNanos.Load()
}

// BatchUpdater accumulates counter deltas in plain local fields and flushes
// them to the shared DeviceStats when an interval elapses or on demand. It
// is owned by a single goroutine and must not be shared.
type BatchUpdater struct {
	stats    *DeviceStats
	interval time.Duration

	hashes         uint64
	accepted       uint64
	rejected       uint64
	hardwareErrors uint64
	lastFlush      time.Time
}

// NewBatchUpdater builds an updater flushing at the given interval.
func NewBatchUpdater(stats *DeviceStats, interval time.Duration) *BatchUpdater {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &BatchUpdater{
		stats:     stats,
		interval:  interval,
		lastFlush: time.Now(),
	}
}

// AddHashes buffers n hashes and flushes if the interval elapsed.
func (b *BatchUpdater) AddHashes(n uint64) {
	b.hashes += n
	b.maybeFlush()
}

// AddAccepted buffers n accepted shares.
func (b *BatchUpdater) AddAccepted(n uint64) {
	b.accepted += n
	b.maybeFlush()
}

// AddRejected buffers n rejected shares.
func (b *BatchUpdater) AddRejected(n uint64) {
	b.rejected += n
	b.maybeFlush()
}

// AddHardwareErrors buffers n hardware faults.
func (b *BatchUpdater) AddHardwareErrors(n uint64) {
	b.hardwareErrors += n
	b.maybeFlush()
}

func (b *BatchUpdater) maybeFlush() {
	if time.Since(b.lastFlush) >= b.interval {
		b.Flush()
	}
}

// Flush pushes all buffered deltas into the shared stats and resets the
// local scratch. Hash deltas carry the wall time since the previous flush so
// the current-hashrate estimate stays meaningful.
func (b *BatchUpdater) Flush() {
	now := time.Now()
	elapsed := now.Sub(b.lastFlush)

	if b.hashes > 0 {
		b.stats.RecordHashes(b.hashes, elapsed)
		b.hashes = 0
	}
	if b.accepted > 0 {
		b.stats.accepted.Add(b.accepted)
		b.accepted = 0
	}
	if b.rejected > 0 {
		b.stats.rejected.Add(b.rejected)
		b.rejected = 0
	}
	if b.hardwareErrors > 0 {
		b.stats.hardwareErrors.Add(b.hardwareErrors)
		b.hardwareErrors = 0
	}
	b.lastFlush = now
}
