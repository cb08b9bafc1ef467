package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/opensyria/opensy-cpucore/engine"
	"github.com/opensyria/opensy-cpucore/engine/config"
	"github.com/opensyria/opensy-cpucore/engine/dashboard"
	"github.com/opensyria/opensy-cpucore/engine/metrics"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (optional)")
		devices    = flag.Int("devices", 0, "Device count override (0 = from config)")
		jobEvery   = flag.Duration("job-interval", 5*time.Second, "Interval between generated jobs")
		targetByte = flag.Uint("target-byte", 0x00, "Leading target byte; 255 accepts nearly every hash")
		logLevel   = flag.String("log-level", "", "Log level override: debug, info, warn, error")
		logFormat  = flag.String("log-format", "", "Log format override: text or json")
	)

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *devices > 0 {
		cfg.Engine.DeviceCount = *devices
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	printBanner(cfg.Engine.Name)

	logger.Info("Starting CPU compute core",
		"name", cfg.Engine.Name,
		"devices", cfg.Engine.DeviceCount,
		"os", runtime.GOOS,
		"arch", runtime.GOARCH,
	)

	core := engine.NewCore(cfg.CoreConfig(logger))
	if err := core.Initialize(); err != nil {
		logger.Error("Failed to initialize core", "err", err)
		os.Exit(1)
	}
	if err := core.Start(); err != nil {
		logger.Error("Failed to start core", "err", err)
		os.Exit(1)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		m := metrics.NewMetrics("cpucore")
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", "err", err)
			}
		}()
		go metricsObserver(m, core)
		logger.Info("Metrics endpoint up", "addr", cfg.Metrics.ListenAddr)
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dcfg := dashboard.DefaultConfig()
		dcfg.ListenAddr = cfg.Dashboard.ListenAddr
		dcfg.UpdateInterval = cfg.Dashboard.UpdateInterval
		dcfg.Core = core
		dcfg.Logger = logger
		dash = dashboard.NewServer(dcfg)
		if err := dash.Start(); err != nil {
			logger.Error("Failed to start dashboard", "err", err)
		}
	}

	stop := make(chan struct{})
	go jobFeeder(core, logger, *jobEvery, byte(*targetByte), stop)
	go statsReporter(core, logger, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("Received shutdown signal", "signal", sig)
	close(stop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if dash != nil {
			dash.Stop()
		}
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
		core.Stop()
		close(done)
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Error("Shutdown timed out")
	case <-done:
		logger.Info("Core stopped gracefully")
	}
}

// jobFeeder submits a fresh random-header job at the configured interval.
func jobFeeder(core *engine.Core, logger *slog.Logger, interval time.Duration, targetByte byte, stop <-chan struct{}) {
	var target [engine.TargetLen]byte
	for i := range target {
		target[i] = targetByte
	}

	submit := func() {
		var header [engine.HeaderLen]byte
		rand.Read(header[:engine.HeaderLen-engine.NonceLen])
		job := engine.NewJob(header, target, 1)
		if err := core.Submit(job); err != nil {
			logger.Warn("Job submission failed", "err", err)
			return
		}
		logger.Debug("Job submitted", "job", job.ID, "version", job.Version)
	}

	submit()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			submit()
		}
	}
}

func metricsObserver(m *metrics.Metrics, core *engine.Core) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.Observe(core)
	}
}

func statsReporter(core *engine.Core, logger *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			results := core.CollectResults()
			stats := core.Stats()
			logger.Info("Core stats",
				"hashrate", formatHashrate(stats.CurrentHashrate),
				"average", formatHashrate(stats.AverageHashrate),
				"total_hashes", stats.TotalHashes,
				"accepted", stats.Accepted,
				"hw_errors", stats.HardwareErrors,
				"results", len(results),
				"devices_active", stats.ActiveDevices,
				"healthy", core.HealthCheck(),
				"uptime", stats.Uptime.Round(time.Second),
			)
		}
	}
}

func printBanner(name string) {
	fmt.Println()
	fmt.Println("  OPENSY CPU CORE - Software Compute Engine")
	fmt.Printf("  Core: %s\n", name)
	fmt.Println()
}

func formatHashrate(h float64) string {
	switch {
	case h >= 1e12:
		return fmt.Sprintf("%.2f TH/s", h/1e12)
	case h >= 1e9:
		return fmt.Sprintf("%.2f GH/s", h/1e9)
	case h >= 1e6:
		return fmt.Sprintf("%.2f MH/s", h/1e6)
	case h >= 1e3:
		return fmt.Sprintf("%.2f KH/s", h/1e3)
	default:
		return fmt.Sprintf("%.2f H/s", h)
	}
}
