package engine

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// DefaultWindows are the smoothing windows reported by a HashrateTracker,
// matching the classic 5s/1m/5m/15m readout.
var DefaultWindows = []time.Duration{
	5 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// minUpdateInterval guards the decayed averages against noisy sub-100ms
// samples. Hash counts are still accumulated; only the EMA update is skipped.
const minUpdateInterval = 100 * time.Millisecond

// HashrateTracker estimates throughput over several exponential-decay
// windows. Hashes are added from the hot loop with a single atomic add;
// UpdateAverages folds the lifetime rate into each window's estimate and is
// typically driven by a reporting ticker.
type HashrateTracker struct {
	totalHashes    atomic.Uint64
	accepted       atomic.Uint64
	rejected       atomic.Uint64
	hardwareErrors atomic.Uint64

	windows  []time.Duration
	averages []atomic.Uint64 // float64 bits, H/s

	startNanos      atomic.Int64 // unix nanos epoch
	lastUpdateNanos atomic.Int64 // unix nanos of last EMA update

	now func() time.Time
}

// NewHashrateTracker builds a tracker over DefaultWindows.
func NewHashrateTracker() *HashrateTracker {
	return NewHashrateTrackerWindows(DefaultWindows)
}

// NewHashrateTrackerWindows builds a tracker over the given windows.
func NewHashrateTrackerWindows(windows []time.Duration) *HashrateTracker {
	t := &HashrateTracker{
		windows:  append([]time.Duration(nil), windows...),
		averages: make([]atomic.Uint64, len(windows)),
		now:      time.Now,
	}
	start := time.Now().UnixNano()
	t.startNanos.Store(start)
	t.lastUpdateNanos.Store(start)
	return t
}

// AddHashes records n hashes performed since the last call.
func (t *HashrateTracker) AddHashes(n uint64) {
	t.totalHashes.Add(n)
}

// IncrementAccepted counts one accepted share.
func (t *HashrateTracker) IncrementAccepted() { t.accepted.Add(1) }

// IncrementRejected counts one rejected share.
func (t *HashrateTracker) IncrementRejected() { t.rejected.Add(1) }

// IncrementHardwareError counts one hardware fault.
func (t *HashrateTracker) IncrementHardwareError() { t.hardwareErrors.Add(1) }

// UpdateAverages folds the lifetime rate (total hashes over elapsed time
// since the epoch) into every window estimate. Each window w decays with
// alpha = 1 - exp(-dt/w), so short windows chase the lifetime rate while
// long windows smooth it. The first sample seeds all windows directly
// instead of decaying from zero.
func (t *HashrateTracker) UpdateAverages() {
	now := t.now()
	nowNanos := now.UnixNano()

	lastNanos := t.lastUpdateNanos.Load()
	dt := time.Duration(nowNanos - lastNanos)
	if dt < minUpdateInterval {
		return
	}
	if !t.lastUpdateNanos.CompareAndSwap(lastNanos, nowNanos) {
		// Another updater won this tick.
		return
	}

	elapsed := now.Sub(time.Unix(0, t.startNanos.Load())).Seconds()
	if elapsed <= 0 {
		return
	}
	current := float64(t.totalHashes.Load()) / elapsed

	for i, w := range t.windows {
		prev := math.Float64frombits(t.averages[i].Load())
		var next float64
		if prev == 0 {
			next = current
		} else {
			alpha := 1 - math.Exp(-dt.Seconds()/w.Seconds())
			next = prev + alpha*(current-prev)
		}
		t.averages[i].Store(math.Float64bits(next))
	}
}

// Average returns the estimate for the i-th window in H/s.
func (t *HashrateTracker) Average(i int) float64 {
	if i < 0 || i >= len(t.averages) {
		return 0
	}
	return math.Float64frombits(t.averages[i].Load())
}

// Averages returns all window estimates in H/s, ordered as configured.
func (t *HashrateTracker) Averages() []float64 {
	out := make([]float64, len(t.averages))
	for i := range t.averages {
		out[i] = math.Float64frombits(t.averages[i].Load())
	}
	return out
}

// Windows returns the configured window durations.
func (t *HashrateTracker) Windows() []time.Duration {
	return append([]time.Duration(nil), t.windows...)
}

// TotalHashes returns the lifetime hash count.
func (t *HashrateTracker) TotalHashes() uint64 {
	return t.totalHashes.Load()
}

// AverageSinceStart returns lifetime hashes over lifetime wall time.
func (t *HashrateTracker) AverageSinceStart() float64 {
	secs := t.now().Sub(time.Unix(0, t.startNanos.Load())).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(t.totalHashes.Load()) / secs
}

// Reset zeroes all counters and window estimates and restarts the epoch.
// Safe to call while another goroutine is updating or reading averages.
func (t *HashrateTracker) Reset() {
	t.totalHashes.Store(0)
	t.accepted.Store(0)
	t.rejected.Store(0)
	t.hardwareErrors.Store(0)
	for i := range t.averages {
		t.averages[i].Store(0)
	}
	now := t.now().UnixNano()
	t.startNanos.Store(now)
	t.lastUpdateNanos.Store(now)
}

// Summary renders the classic status line, e.g.
// "(5s):12.34M (1m):11.80M (5m):10.02M (15m):9.87M (avg):10.40Mh/s A:3 R:0 HW:0".
func (t *HashrateTracker) Summary() string {
	s := ""
	for i, w := range t.windows {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("(%s):%.2fM", windowLabel(w), t.Average(i)/1e6)
	}
	return fmt.Sprintf("%s (avg):%.2fMh/s A:%d R:%d HW:%d",
		s, t.AverageSinceStart()/1e6,
		t.accepted.Load(), t.rejected.Load(), t.hardwareErrors.Load())
}

func windowLabel(w time.Duration) string {
	if w < time.Minute {
		return fmt.Sprintf("%ds", int(w.Seconds()))
	}
	return fmt.Sprintf("%dm", int(w.Minutes()))
}
