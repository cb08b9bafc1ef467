package engine

import (
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock drives a tracker deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(windows []time.Duration) (*HashrateTracker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	t := NewHashrateTrackerWindows(windows)
	t.startNanos.Store(clock.now.UnixNano())
	t.lastUpdateNanos.Store(clock.now.UnixNano())
	t.now = func() time.Time { return clock.now }
	return t, clock
}

func TestTrackerSeedsFirstSample(t *testing.T) {
	tr, clock := newTestTracker(DefaultWindows)

	clock.advance(time.Second)
	tr.AddHashes(1_000_000)
	tr.UpdateAverages()

	for i := range DefaultWindows {
		if avg := tr.Average(i); math.Abs(avg-1_000_000) > 1 {
			t.Errorf("window %d seeded to %f, want 1e6", i, avg)
		}
	}
}

func TestTrackerSkipsSubIntervalUpdates(t *testing.T) {
	tr, clock := newTestTracker(DefaultWindows)

	clock.advance(time.Second)
	tr.AddHashes(1000)
	tr.UpdateAverages()
	seeded := tr.Average(0)

	clock.advance(50 * time.Millisecond) // below the 100ms floor
	tr.AddHashes(1_000_000)
	tr.UpdateAverages()

	if avg := tr.Average(0); avg != seeded {
		t.Errorf("sub-interval update changed average from %f to %f", seeded, avg)
	}
	// The hashes themselves are never lost.
	if total := tr.TotalHashes(); total != 1_001_000 {
		t.Errorf("total hashes = %d, want 1001000", total)
	}
}

func TestTrackerTracksSteadyRate(t *testing.T) {
	windows := []time.Duration{5 * time.Second, 15 * time.Minute}
	tr, clock := newTestTracker(windows)

	// A steady 2 MH/s keeps the lifetime rate constant, so every window
	// reads it exactly regardless of its decay constant.
	const rate = 2_000_000.0
	for i := 0; i < 30; i++ {
		clock.advance(time.Second)
		tr.AddHashes(uint64(rate))
		tr.UpdateAverages()
	}

	for i := range windows {
		if avg := tr.Average(i); math.Abs(avg-rate) > 1 {
			t.Errorf("window %d = %f, want %f", i, avg, rate)
		}
	}
	if avg := tr.AverageSinceStart(); math.Abs(avg-rate) > 1 {
		t.Errorf("lifetime average = %f, want %f", avg, rate)
	}
}

func TestTrackerWindowsFollowLifetimeRate(t *testing.T) {
	windows := []time.Duration{5 * time.Second}
	tr, clock := newTestTracker(windows)

	// 10 seconds at 1000 H/s, then 10 seconds idle. The lifetime rate
	// halves to 500 H/s and the short window settles toward it rather
	// than collapsing toward zero.
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		tr.AddHashes(1000)
		tr.UpdateAverages()
	}
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		tr.UpdateAverages()
	}

	if avg := tr.AverageSinceStart(); math.Abs(avg-500) > 1 {
		t.Errorf("lifetime average = %f, want 500", avg)
	}
	if short := tr.Average(0); short < 500 || short > 1000 {
		t.Errorf("short window = %f, want between the lifetime rate 500 and the burst rate 1000", short)
	}
}

func TestTrackerShortWindowReactsFaster(t *testing.T) {
	windows := []time.Duration{5 * time.Second, 5 * time.Minute}
	tr, clock := newTestTracker(windows)

	clock.advance(time.Second)
	tr.AddHashes(1_000_000)
	tr.UpdateAverages()

	// Rate collapses to zero.
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		tr.UpdateAverages()
	}

	short, long := tr.Average(0), tr.Average(1)
	if short >= long {
		t.Errorf("short window %f should decay below long window %f", short, long)
	}
}

func TestTrackerReset(t *testing.T) {
	tr, clock := newTestTracker(DefaultWindows)
	clock.advance(time.Second)
	tr.AddHashes(500)
	tr.IncrementAccepted()
	tr.UpdateAverages()

	tr.Reset()
	if tr.TotalHashes() != 0 {
		t.Error("total hashes not zeroed")
	}
	for i := range DefaultWindows {
		if tr.Average(i) != 0 {
			t.Errorf("window %d not zeroed", i)
		}
	}
}

func TestTrackerConcurrentResetAndUpdate(t *testing.T) {
	tr := NewHashrateTrackerWindows(DefaultWindows)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				tr.AddHashes(1000)
				tr.UpdateAverages()
				_ = tr.AverageSinceStart()
				_ = tr.Summary()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		tr.Reset()
	}
	close(stop)
	wg.Wait()

	// Epoch stayed consistent through the resets.
	if avg := tr.AverageSinceStart(); avg < 0 {
		t.Errorf("lifetime average = %f after concurrent resets", avg)
	}
}

func TestTrackerSummaryFormat(t *testing.T) {
	tr, clock := newTestTracker(DefaultWindows)
	clock.advance(time.Second)
	tr.AddHashes(12_340_000)
	tr.IncrementAccepted()
	tr.IncrementAccepted()
	tr.IncrementRejected()
	tr.UpdateAverages()

	s := tr.Summary()
	for _, want := range []string{"(5s):12.34M", "(1m):", "(5m):", "(15m):", "(avg):12.34Mh/s", "A:2", "R:1", "HW:0"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary %q missing %q", s, want)
		}
	}
}
