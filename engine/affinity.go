package engine

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
)

// AffinityStrategy selects how devices are mapped onto CPU cores.
type AffinityStrategy int

const (
	// StrategyRoundRobin spreads devices across all logical cores in order.
	StrategyRoundRobin AffinityStrategy = iota
	// StrategyManual uses an explicit device→core map, falling back to
	// round-robin for unmapped devices.
	StrategyManual
	// StrategyPerformanceFirst packs devices onto the first half of the
	// logical cores, which on big.LITTLE parts are the performance cores.
	StrategyPerformanceFirst
	// StrategyPhysicalOnly pins devices to even logical indices, skipping
	// SMT siblings.
	StrategyPhysicalOnly
	// StrategyIntelligent prefers one device per physical core while they
	// last, then falls back to round-robin.
	StrategyIntelligent
	// StrategyLoadBalanced behaves like round-robin; with identical
	// CPU-bound devices the even spread is already balanced.
	StrategyLoadBalanced
)

func (s AffinityStrategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyManual:
		return "manual"
	case StrategyPerformanceFirst:
		return "performance_first"
	case StrategyPhysicalOnly:
		return "physical_cores_only"
	case StrategyIntelligent:
		return "intelligent"
	case StrategyLoadBalanced:
		return "load_balanced"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a config string onto a strategy.
func ParseStrategy(name string) (AffinityStrategy, error) {
	switch name {
	case "round_robin", "":
		return StrategyRoundRobin, nil
	case "manual":
		return StrategyManual, nil
	case "performance_first":
		return StrategyPerformanceFirst, nil
	case "physical_cores_only":
		return StrategyPhysicalOnly, nil
	case "intelligent":
		return StrategyIntelligent, nil
	case "load_balanced":
		return StrategyLoadBalanced, nil
	default:
		return 0, configErrorf("unknown affinity strategy %q", name)
	}
}

// AffinityConfig controls device-to-core pinning.
type AffinityConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Strategy string         `yaml:"strategy"`
	Manual   map[uint32]int `yaml:"manual"`
}

// AffinityScheduler assigns devices to CPU cores and binds the calling OS
// thread on platforms that support it. Assignments are immutable for a
// device's lifetime.
type AffinityScheduler struct {
	logger   *slog.Logger
	enabled  bool
	strategy AffinityStrategy
	manual   map[uint32]int

	logical  int
	physical int

	mu          sync.Mutex
	assignments map[uint32]int
	bound       int
}

// AffinityStats summarizes scheduler state for reporting.
type AffinityStats struct {
	Enabled       bool
	Strategy      string
	LogicalCores  int
	PhysicalCores int
	Assigned      int
	Bound         int
}

// NewAffinityScheduler builds a scheduler over the host topology. Core
// counts come from the OS; if topology detection fails, the logical count
// falls back to runtime.NumCPU and physical is assumed equal to logical.
func NewAffinityScheduler(cfg AffinityConfig, logger *slog.Logger) (*AffinityScheduler, error) {
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	logical, err := cpu.Counts(true)
	if err != nil || logical <= 0 {
		logical = runtime.NumCPU()
	}
	physical, err := cpu.Counts(false)
	if err != nil || physical <= 0 {
		physical = logical
	}

	s := &AffinityScheduler{
		logger:      logger.With("component", "affinity"),
		enabled:     cfg.Enabled,
		strategy:    strategy,
		manual:      cfg.Manual,
		logical:     logical,
		physical:    physical,
		assignments: make(map[uint32]int),
	}
	if cfg.Enabled {
		s.logger.Info("affinity scheduler ready",
			"strategy", strategy.String(),
			"logical_cores", logical,
			"physical_cores", physical)
	}
	return s, nil
}

// Enabled reports whether pinning is active.
func (s *AffinityScheduler) Enabled() bool { return s.enabled }

// Assign picks and remembers a core for the device. Repeated calls return
// the original assignment.
func (s *AffinityScheduler) Assign(deviceID uint32) (int, bool) {
	if !s.enabled || s.logical == 0 {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if core, ok := s.assignments[deviceID]; ok {
		return core, true
	}
	core := assignCore(s.strategy, deviceID, s.logical, s.physical, s.manual)
	if core < 0 || core >= s.logical {
		s.logger.Warn("assignment out of range, using round-robin",
			"device", deviceID, "core", core)
		core = int(deviceID) % s.logical
	}
	s.assignments[deviceID] = core
	s.logger.Debug("core assigned", "device", deviceID, "core", core)
	return core, true
}

// Assignment returns the device's assigned core without creating one.
func (s *AffinityScheduler) Assignment(deviceID uint32) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	core, ok := s.assignments[deviceID]
	return core, ok
}

// Bind pins the calling OS thread to the device's assigned core. The caller
// must invoke it from the goroutine that runs the device's work loop; the
// thread stays locked for the goroutine's lifetime. Failure is reported but
// is not fatal to the device.
func (s *AffinityScheduler) Bind(deviceID uint32) error {
	core, ok := s.Assign(deviceID)
	if !ok {
		return nil
	}
	if err := bindThread(core); err != nil {
		return &HardwareError{DeviceID: deviceID, Op: fmt.Sprintf("pin to core %d", core), Err: err}
	}
	s.mu.Lock()
	s.bound++
	s.mu.Unlock()
	s.logger.Info("thread pinned", "device", deviceID, "core", core)
	return nil
}

// Stats returns a snapshot of scheduler state.
func (s *AffinityScheduler) Stats() AffinityStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AffinityStats{
		Enabled:       s.enabled,
		Strategy:      s.strategy.String(),
		LogicalCores:  s.logical,
		PhysicalCores: s.physical,
		Assigned:      len(s.assignments),
		Bound:         s.bound,
	}
}

// assignCore is the pure strategy arithmetic, separated from topology
// discovery so each arm is directly testable.
func assignCore(strategy AffinityStrategy, deviceID uint32, logical, physical int, manual map[uint32]int) int {
	id := int(deviceID)
	switch strategy {
	case StrategyManual:
		if core, ok := manual[deviceID]; ok {
			return core
		}
		return id % logical
	case StrategyPerformanceFirst:
		half := logical / 2
		if half == 0 {
			half = 1
		}
		return id % half
	case StrategyPhysicalOnly:
		step := logical / physical
		if step < 1 {
			step = 1
		}
		return (id % physical) * step
	case StrategyIntelligent:
		if physical >= 4 && id < physical {
			return (id * 2) % logical
		}
		return id % logical
	default: // round_robin, load_balanced
		return id % logical
	}
}
