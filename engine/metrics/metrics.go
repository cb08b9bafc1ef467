// Package metrics provides Prometheus metrics for the CPU compute core
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensyria/opensy-cpucore/engine"
)

// Metrics holds all compute-core Prometheus metrics
type Metrics struct {
	// Device metrics
	DevicesTotal      prometheus.Gauge
	DevicesActive     prometheus.Gauge
	DevicesHealthy    prometheus.Gauge
	DeviceHashrate    *prometheus.GaugeVec
	DeviceTemperature *prometheus.GaugeVec
	DeviceQueueDepth  *prometheus.GaugeVec

	// Share metrics
	SharesTotal *prometheus.CounterVec

	// Hashrate metrics
	CoreHashrate        prometheus.Gauge
	CoreAverageHashrate prometheus.Gauge
	HashesTotal         prometheus.Gauge

	// Result metrics
	ResultsCollected prometheus.Counter
	ResultsPending   prometheus.Gauge

	// System metrics
	UptimeSeconds prometheus.Gauge

	registry *prometheus.Registry

	// Previous totals so counter deltas can be derived from snapshots.
	lastAccepted       uint64
	lastRejected       uint64
	lastHardwareErrors uint64
}

// NewMetrics creates a new metrics instance
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "cpucore"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Device metrics
	m.DevicesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices_total",
		Help:      "Total number of managed devices",
	})

	m.DevicesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices_active",
		Help:      "Number of devices currently running",
	})

	m.DevicesHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices_healthy",
		Help:      "Number of devices passing the health check",
	})

	m.DeviceHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_hashrate",
		Help:      "Current hashrate per device in H/s",
	}, []string{"device_id"})

	m.DeviceTemperature = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_temperature_celsius",
		Help:      "Device temperature in degrees Celsius (0 = unknown)",
	}, []string{"device_id"})

	m.DeviceQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_queue_depth",
		Help:      "Pending jobs per device queue",
	}, []string{"device_id"})

	// Share metrics
	m.SharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_total",
		Help:      "Total number of shares produced",
	}, []string{"status"}) // status: accepted, rejected, hardware_error

	// Hashrate metrics
	m.CoreHashrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "core_hashrate",
		Help:      "Total core hashrate in H/s",
	})

	m.CoreAverageHashrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "core_average_hashrate",
		Help:      "Lifetime average core hashrate in H/s",
	})

	m.HashesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hashes_total",
		Help:      "Total hashes computed across all devices",
	})

	// Result metrics
	m.ResultsCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "results_collected_total",
		Help:      "Total results drained by collectors",
	})

	m.ResultsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "results_pending",
		Help:      "Results buffered awaiting collection",
	})

	// System metrics
	m.UptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Core uptime in seconds",
	})

	// Register all metrics
	m.registry.MustRegister(
		m.DevicesTotal,
		m.DevicesActive,
		m.DevicesHealthy,
		m.DeviceHashrate,
		m.DeviceTemperature,
		m.DeviceQueueDepth,
		m.SharesTotal,
		m.CoreHashrate,
		m.CoreAverageHashrate,
		m.HashesTotal,
		m.ResultsCollected,
		m.ResultsPending,
		m.UptimeSeconds,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Observe refreshes every metric from the core's current state. It is meant
// to be driven by a ticker; share counters advance by the delta since the
// previous observation.
func (m *Metrics) Observe(core *engine.Core) {
	stats := core.Stats()

	m.DevicesTotal.Set(float64(stats.DeviceCount))
	m.DevicesActive.Set(float64(stats.ActiveDevices))
	m.DevicesHealthy.Set(float64(stats.HealthyDevices))
	m.CoreHashrate.Set(stats.CurrentHashrate)
	m.CoreAverageHashrate.Set(stats.AverageHashrate)
	m.HashesTotal.Set(float64(stats.TotalHashes))
	m.ResultsPending.Set(float64(stats.ResultsPending))
	m.UptimeSeconds.Set(stats.Uptime.Seconds())

	m.SharesTotal.WithLabelValues("accepted").Add(counterDelta(&m.lastAccepted, stats.Accepted))
	m.SharesTotal.WithLabelValues("rejected").Add(counterDelta(&m.lastRejected, stats.Rejected))
	m.SharesTotal.WithLabelValues("hardware_error").Add(counterDelta(&m.lastHardwareErrors, stats.HardwareErrors))

	for _, dev := range core.Devices() {
		id := deviceLabel(dev.ID())
		snap := dev.Stats()
		m.DeviceHashrate.WithLabelValues(id).Set(snap.CurrentHashrate)
		m.DeviceTemperature.WithLabelValues(id).Set(float64(snap.Temperature))
		m.DeviceQueueDepth.WithLabelValues(id).Set(float64(dev.QueueStats().Pending))
	}
}

// RecordResultsCollected counts results drained by a collector.
func (m *Metrics) RecordResultsCollected(n int) {
	if n > 0 {
		m.ResultsCollected.Add(float64(n))
	}
}

// counterDelta returns total-last, clamped at zero, and stores the new
// total. A reset (total below last) restarts the baseline.
func counterDelta(last *uint64, total uint64) float64 {
	if total < *last {
		*last = total
		return 0
	}
	d := total - *last
	*last = total
	return float64(d)
}

func deviceLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
