package engine

import (
	"errors"
	"log/slog"
	"runtime"
	"testing"
	"time"
)

func testCoreConfig() CoreConfig {
	cfg := DefaultCoreConfig()
	cfg.Name = "test-core"
	cfg.DeviceCount = 2
	cfg.MinHashrate = 0 // unthrottled
	cfg.MaxHashrate = 0
	cfg.BatchSize = 100
	cfg.Logger = slog.Default()
	return cfg
}

func newTestCore(t *testing.T, cfg CoreConfig) *Core {
	t.Helper()
	c := NewCore(cfg)
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return c
}

func TestCoreConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*CoreConfig)
	}{
		{"zero devices", func(c *CoreConfig) { c.DeviceCount = 0 }},
		{"too many devices", func(c *CoreConfig) { c.DeviceCount = 1001 }},
		{"min above max", func(c *CoreConfig) { c.MinHashrate = 10; c.MaxHashrate = 5 }},
		{"negative error rate", func(c *CoreConfig) { c.ErrorRate = -0.1 }},
		{"zero batch", func(c *CoreConfig) { c.BatchSize = 0 }},
		{"zero queue", func(c *CoreConfig) { c.QueueCapacity = 0 }},
	}
	for _, c := range cases {
		cfg := DefaultCoreConfig()
		c.mut(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
			t.Errorf("%s: err = %v, want ErrConfig", c.name, err)
		}
	}
}

func TestCoreClampsDeviceCount(t *testing.T) {
	cfg := testCoreConfig()
	cfg.DeviceCount = 1000
	c := newTestCore(t, cfg)

	if n := len(c.Devices()); n > runtime.NumCPU() {
		t.Errorf("devices = %d, want at most %d", n, runtime.NumCPU())
	}
}

func TestCoreHashrateInterpolation(t *testing.T) {
	if got := interpolateHashrate(100, 200, 0, 4); got != 100 {
		t.Errorf("device 0 = %f, want 100", got)
	}
	if got := interpolateHashrate(100, 200, 2, 4); got != 150 {
		t.Errorf("device 2 = %f, want 150", got)
	}
	if got := interpolateHashrate(0, 0, 1, 4); got != 0 {
		t.Errorf("unthrottled = %f, want 0", got)
	}
}

func TestCoreSubmitRequiresRunning(t *testing.T) {
	c := newTestCore(t, testCoreConfig())
	var header [HeaderLen]byte
	err := c.Submit(NewJob(header, easyTarget(), 1))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit before start = %v, want ErrNotRunning", err)
	}
}

func TestCorePushCollection(t *testing.T) {
	cfg := testCoreConfig()
	c := newTestCore(t, cfg)

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	var header [HeaderLen]byte
	if err := c.Submit(NewJob(header, easyTarget(), 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	var results []*Result
	for len(results) == 0 {
		select {
		case <-deadline:
			t.Fatal("no results collected within deadline")
		case <-time.After(10 * time.Millisecond):
			results = append(results, c.CollectResults()...)
		}
	}
	for _, r := range results {
		if !r.Accepted {
			t.Errorf("collected unaccepted result from device %d", r.DeviceID)
		}
	}

	// A second collection starts from an empty buffer.
	c.Stop()
	c.CollectResults()
	if extra := c.CollectResults(); len(extra) != 0 {
		t.Errorf("drained twice, got %d extra results", len(extra))
	}
}

func TestCorePullCollection(t *testing.T) {
	cfg := testCoreConfig()
	cfg.PushResults = false
	c := newTestCore(t, cfg)

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	var header [HeaderLen]byte
	if err := c.Submit(NewJob(header, easyTarget(), 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if results := c.CollectResults(); len(results) > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("no results collected within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCoreAggregateStats(t *testing.T) {
	cfg := testCoreConfig()
	c := newTestCore(t, cfg)

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	var header [HeaderLen]byte
	if err := c.Submit(NewJob(header, impossibleTarget(), 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	stats := c.Stats()
	if stats.DeviceCount != 2 || stats.ActiveDevices != 2 {
		t.Errorf("device counts = %d/%d, want 2/2", stats.ActiveDevices, stats.DeviceCount)
	}
	if stats.TotalHashes == 0 {
		t.Error("no hashes recorded")
	}

	// The aggregate total is exactly the sum of the raw device counters.
	var sum uint64
	for _, dev := range c.Devices() {
		hashes, _ := dev.RawCounters()
		sum += hashes
	}
	after := c.Stats()
	if after.TotalHashes < stats.TotalHashes || sum < stats.TotalHashes {
		t.Errorf("aggregate %d inconsistent with device sum %d", after.TotalHashes, sum)
	}

	// Average is recomputed from totals over uptime, not averaged averages.
	if stats.Uptime <= 0 {
		t.Error("uptime not tracked")
	}
	wantAvg := float64(stats.TotalHashes) / stats.Uptime.Seconds()
	if stats.AverageHashrate > 2*wantAvg+1 || stats.AverageHashrate < wantAvg/2 {
		t.Errorf("average = %f, want near %f", stats.AverageHashrate, wantAvg)
	}
}

func TestCoreHealthCheckMajority(t *testing.T) {
	cfg := testCoreConfig()
	cfg.DeviceCount = 3
	c := newTestCore(t, cfg)
	if len(c.Devices()) < 3 {
		t.Skip("host has fewer than 3 cpus")
	}

	if !c.HealthCheck() {
		t.Fatal("fresh core should be healthy")
	}

	// One overheating device of three: majority still healthy.
	c.Devices()[0].stats.SetTemperature(95)
	if !c.HealthCheck() {
		t.Error("2 of 3 healthy should pass the majority check")
	}

	// Two of three unhealthy: the check fails.
	c.Devices()[1].stats.SetTemperature(95)
	if c.HealthCheck() {
		t.Error("1 of 3 healthy should fail the majority check")
	}
}

func TestCoreLifecycle(t *testing.T) {
	c := NewCore(testCoreConfig())
	if err := c.Start(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("start before init = %v, want ErrNotInitialized", err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := c.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop before start = %v, want ErrNotRunning", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("double start = %v, want ErrAlreadyRunning", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c.Running() {
		t.Error("core still reports running after stop")
	}
}

func TestCoreReset(t *testing.T) {
	c := newTestCore(t, testCoreConfig())
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	var header [HeaderLen]byte
	c.Submit(NewJob(header, impossibleTarget(), 1))
	time.Sleep(100 * time.Millisecond)

	if err := c.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	// Counters restart; devices keep running and may record new hashes,
	// but everything from before the reset is gone.
	stats := c.Stats()
	if stats.ActiveDevices != 2 {
		t.Errorf("active devices after reset = %d, want 2", stats.ActiveDevices)
	}
}

func TestCoreVersionsMonotonic(t *testing.T) {
	c := newTestCore(t, testCoreConfig())
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	var header [HeaderLen]byte
	var last uint64
	for i := 0; i < 5; i++ {
		job := NewJob(header, impossibleTarget(), 1)
		if err := c.Submit(job); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if job.Version <= last {
			t.Fatalf("version %d not monotonic after %d", job.Version, last)
		}
		last = job.Version
	}
}
