package engine

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// deviceIDBase offsets device identifiers so they are recognizable in logs.
const deviceIDBase = 1000

// resultBufferSize is the shared push-channel depth across all devices.
const resultBufferSize = 1024

// CoreConfig configures a Core and the fleet of devices it manages.
type CoreConfig struct {
	Name        string
	DeviceCount int

	// MinHashrate and MaxHashrate bound per-device target rates in H/s.
	// Device i of n targets min + (max-min) * i/n. Zero values disable
	// pacing entirely.
	MinHashrate float64
	MaxHashrate float64

	ErrorRate     float64
	BatchSize     int
	QueueCapacity int
	FlushInterval time.Duration

	// PushResults wires every device to a shared result channel drained by
	// the core's collector. When false, CollectResults polls device stores.
	PushResults bool

	Affinity    AffinityConfig
	Temperature TemperatureConfig

	Logger *slog.Logger
}

// DefaultCoreConfig returns a four-device core with stock tuning.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Name:          "cpu-core",
		DeviceCount:   4,
		MinHashrate:   500_000,
		MaxHashrate:   2_000_000,
		BatchSize:     1000,
		QueueCapacity: 64,
		FlushInterval: 100 * time.Millisecond,
		PushResults:   true,
		Temperature:   DefaultTemperatureConfig(),
	}
}

// Validate checks core-level config bounds.
func (c *CoreConfig) Validate() error {
	if c.DeviceCount <= 0 || c.DeviceCount > 1000 {
		return configErrorf("device count must be in [1, 1000], got %d", c.DeviceCount)
	}
	if c.MinHashrate < 0 || c.MaxHashrate < 0 {
		return configErrorf("hashrates must be >= 0")
	}
	if c.MaxHashrate > 0 && c.MinHashrate >= c.MaxHashrate {
		return configErrorf("min hashrate %f must be below max %f", c.MinHashrate, c.MaxHashrate)
	}
	if c.ErrorRate < 0 || c.ErrorRate > 1 {
		return configErrorf("error rate must be in [0, 1], got %f", c.ErrorRate)
	}
	if c.BatchSize <= 0 {
		return configErrorf("batch size must be > 0, got %d", c.BatchSize)
	}
	if c.QueueCapacity <= 0 {
		return configErrorf("queue capacity must be > 0, got %d", c.QueueCapacity)
	}
	return nil
}

// CoreStats aggregates the whole fleet. Hashrates are recomputed from raw
// per-device counters, never from averaging per-device averages.
type CoreStats struct {
	Name            string
	DeviceCount     int
	ActiveDevices   int
	HealthyDevices  int
	TotalHashes     uint64
	Accepted        uint64
	Rejected        uint64
	HardwareErrors  uint64
	CurrentHashrate float64
	AverageHashrate float64
	ResultsPending  int
	Uptime          time.Duration
	LastUpdated     time.Time
}

// Core owns a fleet of devices, fans submitted jobs out to all of them,
// collects their results and aggregates their statistics.
type Core struct {
	cfg    CoreConfig
	logger *slog.Logger

	devices  []*Device
	affinity *AffinityScheduler
	temps    *TemperatureReader

	results chan *Result

	collectedMu sync.Mutex
	collected   []*Result

	version     atomic.Uint64
	running     atomic.Bool
	initialized atomic.Bool
	startNanos  atomic.Int64

	stopCollector chan struct{}
	wg            sync.WaitGroup
}

// NewCore builds an uninitialized core.
func NewCore(cfg CoreConfig) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		cfg:    cfg,
		logger: logger.With("component", "core", "core", cfg.Name),
	}
}

// Initialize validates the configuration and constructs the device fleet.
// The device count is clamped to the host's logical core count; per-device
// target rates are interpolated between the configured bounds.
func (c *Core) Initialize() error {
	if c.running.Load() {
		return ErrAlreadyRunning
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	count := c.cfg.DeviceCount
	logical, err := cpu.Counts(true)
	if err != nil || logical <= 0 {
		logical = runtime.NumCPU()
	}
	if count > logical {
		c.logger.Warn("clamping device count to logical cores",
			"requested", count, "cores", logical)
		count = logical
	}

	c.affinity, err = NewAffinityScheduler(c.cfg.Affinity, c.logger)
	if err != nil {
		return err
	}
	c.temps = NewTemperatureReader(c.cfg.Temperature)

	if c.cfg.PushResults {
		c.results = make(chan *Result, resultBufferSize)
	}

	c.devices = make([]*Device, 0, count)
	nonceStride := uint32(math.MaxUint32 / uint64(count))
	for i := 0; i < count; i++ {
		id := uint32(deviceIDBase + i)
		name := fmt.Sprintf("cpu-device-%d", i)
		dev := NewDevice(id, name, c.logger)

		dev.SetAffinity(c.affinity)
		dev.SetTemperatureReader(c.temps)
		if c.results != nil {
			dev.SetResultSink(c.results)
		}

		devCfg := DeviceConfig{
			TargetHashrate: interpolateHashrate(c.cfg.MinHashrate, c.cfg.MaxHashrate, i, count),
			ErrorRate:      c.cfg.ErrorRate,
			BatchSize:      c.cfg.BatchSize,
			FlushInterval:  c.cfg.FlushInterval,
			QueueCapacity:  c.cfg.QueueCapacity,
			StartNonce:     uint32(i) * nonceStride,
		}
		if err := dev.Initialize(devCfg); err != nil {
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		c.affinity.Assign(id)
		c.devices = append(c.devices, dev)
	}

	c.initialized.Store(true)
	c.logger.Info("core initialized",
		"devices", count,
		"push_results", c.cfg.PushResults,
		"affinity", c.cfg.Affinity.Enabled)
	return nil
}

// interpolateHashrate spreads device targets evenly across [min, max].
func interpolateHashrate(min, max float64, i, count int) float64 {
	if max <= 0 {
		return 0
	}
	if count <= 1 {
		return min
	}
	return min + (max-min)*float64(i)/float64(count)
}

// Start launches all devices and the result collector. A device that fails
// to start is logged and skipped; Start fails only if no device starts.
func (c *Core) Start() error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	started := 0
	for _, dev := range c.devices {
		if err := dev.Start(); err != nil {
			c.logger.Error("device failed to start", "device", dev.ID(), "error", err)
			continue
		}
		started++
	}
	if started == 0 {
		c.running.Store(false)
		return fmt.Errorf("no devices started")
	}

	if c.results != nil {
		c.stopCollector = make(chan struct{})
		c.wg.Add(1)
		go c.collectLoop()
	}

	c.startNanos.Store(time.Now().UnixNano())
	c.logger.Info("core started", "devices_started", started)
	return nil
}

// Stop halts all devices and the collector. Results already delivered stay
// buffered for CollectResults.
func (c *Core) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	for _, dev := range c.devices {
		if err := dev.Stop(); err != nil {
			c.logger.Error("device failed to stop", "device", dev.ID(), "error", err)
		}
	}
	if c.stopCollector != nil {
		close(c.stopCollector)
		c.wg.Wait()
		c.stopCollector = nil
	}
	c.logger.Info("core stopped")
	return nil
}

// Restart is Stop followed by Start.
func (c *Core) Restart() error {
	if err := c.Stop(); err != nil {
		return err
	}
	return c.Start()
}

// Reset zeroes every device's statistics and discards pending work without
// changing the run state.
func (c *Core) Reset() error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	for _, dev := range c.devices {
		if err := dev.Reset(); err != nil {
			c.logger.Error("device failed to reset", "device", dev.ID(), "error", err)
		}
	}
	c.collectedMu.Lock()
	c.collected = nil
	c.collectedMu.Unlock()
	if c.running.Load() {
		c.startNanos.Store(time.Now().UnixNano())
	}
	c.logger.Info("core reset")
	return nil
}

// Submit stamps the job with the next generation and fans it out to every
// device. Devices whose queues are full are skipped with a warning; Submit
// fails only when the core is not running or every device rejected the job.
func (c *Core) Submit(job *Job) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	if job.ID == "" {
		*job = *NewJob(job.Header, job.Target, job.Difficulty)
	}
	job.Version = c.version.Add(1)

	accepted := 0
	for _, dev := range c.devices {
		if err := dev.SubmitWork(job); err != nil {
			c.logger.Warn("device rejected work",
				"device", dev.ID(), "job", job.ID, "error", err)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return ErrQueueFull
	}
	c.logger.Debug("work submitted", "job", job.ID, "devices", accepted)
	return nil
}

// collectLoop drains the shared push channel into the collected buffer.
func (c *Core) collectLoop() {
	defer c.wg.Done()
	for {
		select {
		case r := <-c.results:
			c.collectedMu.Lock()
			c.collected = append(c.collected, r)
			c.collectedMu.Unlock()
		case <-c.stopCollector:
			// Drain anything already buffered before exiting.
			for {
				select {
				case r := <-c.results:
					c.collectedMu.Lock()
					c.collected = append(c.collected, r)
					c.collectedMu.Unlock()
				default:
					return
				}
			}
		}
	}
}

// CollectResults drains and returns all results gathered since the last
// call. In push mode this empties the collector buffer; in pull mode it
// polls every device's completed store.
func (c *Core) CollectResults() []*Result {
	if c.results != nil {
		c.collectedMu.Lock()
		out := c.collected
		c.collected = nil
		c.collectedMu.Unlock()
		return out
	}

	var out []*Result
	for _, dev := range c.devices {
		out = append(out, dev.queue.TakeResults(0)...)
	}
	return out
}

// Stats aggregates fleet statistics. Current hashrate is the sum of device
// currents; average hashrate is total raw hashes over core wall time.
func (c *Core) Stats() CoreStats {
	now := time.Now()
	stats := CoreStats{
		Name:        c.cfg.Name,
		DeviceCount: len(c.devices),
		LastUpdated: now,
	}

	var totalHashes uint64
	for _, dev := range c.devices {
		snap := dev.Stats()
		totalHashes += snap.TotalHashes
		stats.Accepted += snap.Accepted
		stats.Rejected += snap.Rejected
		stats.HardwareErrors += snap.HardwareErrors
		stats.CurrentHashrate += snap.CurrentHashrate
		if dev.State() == StateRunning {
			stats.ActiveDevices++
		}
		if dev.HealthCheck() {
			stats.HealthyDevices++
		}
	}
	stats.TotalHashes = totalHashes

	if start := c.startNanos.Load(); start > 0 {
		stats.Uptime = now.Sub(time.Unix(0, start))
		if secs := stats.Uptime.Seconds(); secs > 0 {
			stats.AverageHashrate = float64(totalHashes) / secs
		}
	}

	c.collectedMu.Lock()
	stats.ResultsPending = len(c.collected)
	c.collectedMu.Unlock()
	return stats
}

// DeviceSnapshots returns per-device statistics for reporting surfaces.
func (c *Core) DeviceSnapshots() []StatsSnapshot {
	out := make([]StatsSnapshot, 0, len(c.devices))
	for _, dev := range c.devices {
		out = append(out, dev.Stats())
	}
	return out
}

// Devices returns the managed devices. The slice is owned by the core and
// must not be mutated.
func (c *Core) Devices() []*Device { return c.devices }

// AffinityStats reports the scheduler's assignment state.
func (c *Core) AffinityStats() AffinityStats {
	if c.affinity == nil {
		return AffinityStats{}
	}
	return c.affinity.Stats()
}

// HealthCheck reports whether a strict majority of devices is healthy.
func (c *Core) HealthCheck() bool {
	if len(c.devices) == 0 {
		return false
	}
	healthy := 0
	for _, dev := range c.devices {
		if dev.HealthCheck() {
			healthy++
		}
	}
	return healthy >= (len(c.devices)+1)/2
}

// Running reports whether the core has been started and not stopped.
func (c *Core) Running() bool { return c.running.Load() }

// Name returns the configured core name.
func (c *Core) Name() string { return c.cfg.Name }
