package engine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DeviceState is the lifecycle state of a device.
type DeviceState int32

const (
	StateUninitialized DeviceState = iota
	StateIdle
	StateRunning
)

func (s DeviceState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Batch pacing and loop tuning.
const (
	// flushesPerSecond sizes batches so a device flushes stats roughly this
	// often at its target rate.
	flushesPerSecond = 10

	// idlePollInterval is how long a device sleeps when it has no work.
	idlePollInterval = 50 * time.Millisecond

	// healthMaxTemp and healthMaxErrorRate bound a healthy device.
	healthMaxTemp      float32 = 90
	healthMaxErrorRate         = 0.1
)

// yieldInterval is how many hashes a device computes between cooperative
// yields. Platforms with cheaper scheduling yield less often.
func yieldInterval() uint64 {
	switch runtime.GOOS {
	case "linux":
		return 2000
	case "windows":
		return 1500
	default:
		return 1000
	}
}

// DeviceConfig tunes a single device.
type DeviceConfig struct {
	// TargetHashrate in H/s paces the work loop; zero means unthrottled.
	TargetHashrate float64
	// ErrorRate injects simulated hardware faults on otherwise valid
	// results, for testing. Must be in [0, 1].
	ErrorRate float64
	// BatchSize is the baseline hashes-per-batch. Min and Max bound the
	// adaptive batch derived from TargetHashrate; zero values default to
	// BatchSize and 2*BatchSize.
	BatchSize    int
	MinBatchSize int
	MaxBatchSize int
	// FlushInterval is the statistics batching window.
	FlushInterval time.Duration
	// QueueCapacity bounds the pending work queue.
	QueueCapacity int
	// StartNonce offsets this device's nonce search space.
	StartNonce uint32
}

// DefaultDeviceConfig returns a usable unthrottled configuration.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		BatchSize:     1000,
		FlushInterval: 100 * time.Millisecond,
		QueueCapacity: 64,
	}
}

// Validate checks config bounds.
func (c *DeviceConfig) Validate() error {
	if c.TargetHashrate < 0 {
		return configErrorf("target hashrate must be >= 0, got %f", c.TargetHashrate)
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

// Device is a single CPU compute worker. It pulls jobs from its bounded
// queue, hashes nonce ranges in batches, and reports solutions either
// through a push channel fixed before start or through its completed-result
// store. All statistics flow through lock-free counters.
type Device struct {
	id     uint32
	name   string
	logger *slog.Logger

	cfg   DeviceConfig
	state atomic.Int32

	stats   *DeviceStats
	tracker *HashrateTracker
	queue   *WorkQueue

	hashFn   HashFunc
	affinity *AffinityScheduler
	temps    *TemperatureReader

	resultSink chan<- *Result
	limiter    *rate.Limiter

	stop       atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	startNanos atomic.Int64

	yieldEvery uint64
}

// NewDevice builds a device in the Uninitialized state.
func NewDevice(id uint32, name string, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		id:         id,
		name:       name,
		logger:     logger.With("component", "device", "device", id),
		hashFn:     SHA256d,
		yieldEvery: yieldInterval(),
	}
}

// SetHashFunc replaces the digest function. Must be called before Start.
func (d *Device) SetHashFunc(fn HashFunc) error {
	if d.State() == StateRunning {
		return ErrAlreadyRunning
	}
	if fn != nil {
		d.hashFn = fn
	}
	return nil
}

// SetAffinity attaches an affinity scheduler. Must be called before Start.
func (d *Device) SetAffinity(s *AffinityScheduler) error {
	if d.State() == StateRunning {
		return ErrAlreadyRunning
	}
	d.affinity = s
	return nil
}

// SetTemperatureReader attaches a temperature source. Must be called before
// Start.
func (d *Device) SetTemperatureReader(r *TemperatureReader) error {
	if d.State() == StateRunning {
		return ErrAlreadyRunning
	}
	d.temps = r
	return nil
}

// SetResultSink switches the device to push delivery on the given channel.
// The delivery mode is fixed for as long as the device runs; calling this
// after Start fails with ErrAlreadyRunning.
func (d *Device) SetResultSink(ch chan<- *Result) error {
	if d.State() == StateRunning {
		return ErrAlreadyRunning
	}
	d.resultSink = ch
	return nil
}

// Initialize validates the configuration and moves the device to Idle.
func (d *Device) Initialize(cfg DeviceConfig) error {
	if d.State() == StateRunning {
		return ErrAlreadyRunning
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = cfg.BatchSize
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = 2 * cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	d.cfg = cfg

	d.stats = NewDeviceStats(d.id)
	d.tracker = NewHashrateTracker()
	d.queue = NewWorkQueue(cfg.QueueCapacity)

	if cfg.TargetHashrate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.TargetHashrate), cfg.MaxBatchSize)
	} else {
		d.limiter = nil
	}

	if d.temps != nil && !d.temps.Supported() {
		d.logger.Info("temperature monitoring unavailable on this host")
		d.temps = nil
	}

	d.state.Store(int32(StateIdle))
	d.logger.Info("device initialized",
		"name", d.name,
		"target_hashrate", cfg.TargetHashrate,
		"batch_size", cfg.BatchSize,
		"queue_capacity", cfg.QueueCapacity)
	return nil
}

// Start launches the work loop. The device must be Idle.
func (d *Device) Start() error {
	switch d.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateRunning:
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.stop.Store(false)
	d.startNanos.Store(time.Now().UnixNano())
	d.state.Store(int32(StateRunning))

	d.wg.Add(1)
	go d.loop(ctx)

	d.logger.Info("device started", "name", d.name)
	return nil
}

// Stop halts the work loop, waits for it to exit, and purges any pending
// work left from before the stop. The device returns to Idle.
func (d *Device) Stop() error {
	if d.State() != StateRunning {
		return ErrNotRunning
	}
	d.stop.Store(true)
	d.cancel()
	d.wg.Wait()
	d.state.Store(int32(StateIdle))

	v := d.queue.BumpVersion()
	if purged := d.queue.PurgeStale(v); purged > 0 {
		d.logger.Debug("purged stale work on stop", "purged", purged)
	}
	d.logger.Info("device stopped", "name", d.name)
	return nil
}

// Restart is Stop followed by Start.
func (d *Device) Restart() error {
	if err := d.Stop(); err != nil {
		return err
	}
	return d.Start()
}

// Reset zeroes all statistics and discards pending work. The run state is
// unchanged: a running device keeps mining with fresh counters.
func (d *Device) Reset() error {
	if d.State() == StateUninitialized {
		return ErrNotInitialized
	}
	d.stats.Reset()
	d.tracker.Reset()
	v := d.queue.BumpVersion()
	if purged := d.queue.PurgeStale(v); purged > 0 {
		d.logger.Debug("purged stale work on reset", "purged", purged)
	}
	d.startNanos.Store(time.Now().UnixNano())
	d.logger.Info("device reset", "name", d.name)
	return nil
}

// SubmitWork offers a job to the device's queue.
func (d *Device) SubmitWork(job *Job) error {
	if d.State() == StateUninitialized {
		return ErrNotInitialized
	}
	return d.queue.Enqueue(job)
}

// GetResult pulls the oldest completed result. In push mode results travel
// through the sink channel instead and GetResult always reports absence.
func (d *Device) GetResult() (*Result, bool) {
	if d.resultSink != nil || d.queue == nil {
		return nil, false
	}
	return d.queue.TakeResult()
}

// ID returns the device identifier.
func (d *Device) ID() uint32 { return d.id }

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// State returns the current lifecycle state.
func (d *Device) State() DeviceState {
	return DeviceState(d.state.Load())
}

// QueueStats returns the device queue's counters.
func (d *Device) QueueStats() QueueStats {
	if d.queue == nil {
		return QueueStats{}
	}
	return d.queue.Stats()
}

// Tracker exposes the multi-window hashrate estimator.
func (d *Device) Tracker() *HashrateTracker { return d.tracker }

// Stats refreshes derived readings and returns a counter snapshot.
func (d *Device) Stats() StatsSnapshot {
	if d.stats == nil {
		return StatsSnapshot{DeviceID: d.id}
	}
	if d.temps != nil {
		if temp, err := d.temps.Read(); err == nil {
			d.stats.SetTemperature(temp)
		}
	}
	if d.tracker != nil {
		d.tracker.UpdateAverages()
	}
	return d.stats.Snapshot()
}

// RawCounters exposes the raw hash count and epoch for core aggregation.
func (d *Device) RawCounters() (hashes uint64, startNanos int64) {
	if d.stats == nil {
		return 0, 0
	}
	return d.stats.RawCounters()
}

// HealthCheck reports whether the device is operating normally: it is
// initialized, not overheating and not producing excessive hardware errors.
func (d *Device) HealthCheck() bool {
	state := d.State()
	if state != StateRunning && state != StateIdle {
		return false
	}
	snap := d.stats.Snapshot()
	if snap.Temperature >= healthMaxTemp && snap.Temperature > 0 {
		return false
	}
	return snap.ErrorRate() < healthMaxErrorRate
}

// Uptime returns wall time since the last Start or Reset.
func (d *Device) Uptime() time.Duration {
	start := d.startNanos.Load()
	if start == 0 {
		return 0
	}
	return time.Since(time.Unix(0, start))
}

// batchSize derives the adaptive batch from the target hashrate so a device
// completes roughly flushesPerSecond batches per second, clamped to the
// configured bounds.
func (d *Device) batchSize() int {
	if d.cfg.TargetHashrate <= 0 {
		return d.cfg.BatchSize
	}
	b := int(d.cfg.TargetHashrate / flushesPerSecond)
	if b < d.cfg.MinBatchSize {
		b = d.cfg.MinBatchSize
	}
	if b > d.cfg.MaxBatchSize {
		b = d.cfg.MaxBatchSize
	}
	return b
}

// loop is the device work loop. It runs on a dedicated goroutine; when
// affinity is enabled the goroutine's OS thread is pinned for its lifetime.
func (d *Device) loop(ctx context.Context) {
	defer d.wg.Done()

	if d.affinity != nil && d.affinity.Enabled() {
		if err := d.affinity.Bind(d.id); err != nil {
			d.logger.Warn("cpu pinning failed", "error", err)
		}
	}

	updater := NewBatchUpdater(d.stats, d.cfg.FlushInterval)
	defer updater.Flush()

	var current *Job
	nonce := d.cfg.StartNonce

	idle := time.NewTimer(idlePollInterval)
	defer idle.Stop()

	for !d.stop.Load() {
		if job, ok := d.queue.Dequeue(); ok {
			if current == nil || job.ID != current.ID {
				nonce = d.cfg.StartNonce
				d.logger.Debug("switching work", "job", job.ID)
			}
			current = job
		}
		if current == nil {
			idle.Reset(idlePollInterval)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}

		batch := d.batchSize()
		if d.limiter != nil {
			if err := d.limiter.WaitN(ctx, batch); err != nil {
				return
			}
		}

		found := d.mineBatch(current, &nonce, batch, updater)
		if found != nil {
			if err := d.deliver(ctx, found); err != nil {
				d.logger.Debug("result delivery aborted", "error", err)
				return
			}
			updater.AddAccepted(1)
			d.tracker.IncrementAccepted()
		}
		updater.Flush()
	}
}

// mineBatch hashes up to batch nonces against the job's target. It returns
// the first accepted result, or nil when the batch completes without one.
// The stop flag is observed at yield points and at the batch boundary; no
// hashes are counted after it is seen.
func (d *Device) mineBatch(job *Job, nonce *uint32, batch int, updater *BatchUpdater) *Result {
	header := job.Header
	var done uint64

	finish := func() {
		if done > 0 {
			updater.AddHashes(done)
			d.tracker.AddHashes(done)
		}
	}

	for i := 0; i < batch; i++ {
		n := *nonce
		*nonce = n + 1
		PutNonce(&header, n)

		digest := d.hashFn(header[:])
		done++

		if HashMeetsTarget(&digest, &job.Target) {
			if d.cfg.ErrorRate > 0 && rand.Float64() < d.cfg.ErrorRate {
				updater.AddHardwareErrors(1)
				d.tracker.IncrementHardwareError()
				continue
			}
			finish()
			return &Result{
				JobID:    job.ID,
				DeviceID: d.id,
				Nonce:    n,
				Digest:   digest,
				Accepted: true,
				FoundAt:  time.Now(),
			}
		}

		if done%d.yieldEvery == 0 {
			runtime.Gosched()
			if d.stop.Load() {
				break
			}
		}
	}
	finish()
	return nil
}

// deliver hands a result to the configured sink, or to the completed store
// when the device runs in pull mode.
func (d *Device) deliver(ctx context.Context, r *Result) error {
	if d.resultSink == nil {
		d.queue.SubmitResult(r)
		return nil
	}
	select {
	case d.resultSink <- r:
		return nil
	case <-ctx.Done():
		return ErrChannelClosed
	}
}
