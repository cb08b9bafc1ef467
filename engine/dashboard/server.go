// Package dashboard - server.go implements the HTTP API and WebSocket feed
// for the compute-core status dashboard
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensyria/opensy-cpucore/engine"
)

// Config holds dashboard configuration
type Config struct {
	ListenAddr     string
	Core           *engine.Core
	Logger         *slog.Logger
	UpdateInterval time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8085",
		UpdateInterval: 2 * time.Second,
		Logger:         slog.Default(),
	}
}

// Server is the dashboard HTTP server
type Server struct {
	cfg      Config
	core     *engine.Core
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	// WebSocket clients
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	broadcast chan interface{}

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new dashboard server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:    cfg,
		core:   cfg.Core,
		logger: cfg.Logger.With("component", "dashboard"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan interface{}, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the dashboard server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/", s.handleDeviceDetail)
	mux.HandleFunc("/api/affinity", s.handleAffinity)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go s.statsPusher()

	s.logger.Info("Starting dashboard server", "addr", s.cfg.ListenAddr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Dashboard server error", "err", err)
		}
	}()

	return nil
}

// Stop stops the dashboard server
func (s *Server) Stop() {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.server != nil {
		s.server.Shutdown(ctx)
	}

	s.clientsMu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clientsMu.Unlock()

	s.wg.Wait()
	s.logger.Info("Dashboard server stopped")
}

// API Handlers

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.getCoreStats())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.getDevicesList())
}

func (s *Server) handleDeviceDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := r.URL.Path[len("/api/devices/"):]
	if raw == "" {
		http.Error(w, "Device ID required", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		http.Error(w, "Invalid device ID", http.StatusBadRequest)
		return
	}

	detail := s.getDeviceDetail(uint32(id))
	if detail == nil {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	writeJSON(w, detail)
}

func (s *Server) handleAffinity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.core == nil {
		writeJSON(w, engine.AffinityStats{})
		return
	}
	writeJSON(w, s.core.AffinityStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.core != nil && s.core.HealthCheck()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]bool{"healthy": healthy})
}

// WebSocket handler

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "err", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	s.logger.Info("WebSocket client connected", "remote", conn.RemoteAddr())

	// Send initial stats
	conn.WriteJSON(map[string]interface{}{
		"type": "stats",
		"data": s.getCoreStats(),
	})

	// Read loop (for pings/pongs)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, conn)
			s.clientsMu.Unlock()
			conn.Close()
			s.logger.Info("WebSocket client disconnected", "remote", conn.RemoteAddr())
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			s.clientsMu.RLock()
			for conn := range s.clients {
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.Debug("WebSocket write failed", "err", err)
				}
			}
			s.clientsMu.RUnlock()
		}
	}
}

func (s *Server) statsPusher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.broadcast <- map[string]interface{}{
				"type":      "stats",
				"data":      s.getCoreStats(),
				"timestamp": time.Now().Unix(),
			}
		}
	}
}

// Data fetchers

type CoreStatsResponse struct {
	Name            string        `json:"name"`
	DevicesActive   int           `json:"devices_active"`
	DevicesTotal    int           `json:"devices_total"`
	DevicesHealthy  int           `json:"devices_healthy"`
	TotalHashrate   float64       `json:"total_hashrate"`
	HashrateUnit    string        `json:"hashrate_unit"`
	AverageHashrate float64       `json:"average_hashrate"`
	TotalHashes     uint64        `json:"total_hashes"`
	SharesAccepted  uint64        `json:"shares_accepted"`
	SharesRejected  uint64        `json:"shares_rejected"`
	HardwareErrors  uint64        `json:"hardware_errors"`
	ResultsPending  int           `json:"results_pending"`
	Uptime          int64         `json:"uptime_seconds"`
	Healthy         bool          `json:"healthy"`
	Devices         []DeviceBrief `json:"devices"`
}

type DeviceBrief struct {
	ID          uint32  `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	Hashrate    float64 `json:"hashrate"`
	Accepted    uint64  `json:"accepted"`
	Temperature float32 `json:"temperature,omitempty"`
}

type DeviceDetailResponse struct {
	ID              uint32  `json:"id"`
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	Healthy         bool    `json:"healthy"`
	Hashrate        float64 `json:"hashrate"`
	HashrateUnit    string  `json:"hashrate_unit"`
	AverageHashrate float64 `json:"average_hashrate"`
	TotalHashes     uint64  `json:"total_hashes"`
	SharesAccepted  uint64  `json:"shares_accepted"`
	SharesRejected  uint64  `json:"shares_rejected"`
	HardwareErrors  uint64  `json:"hardware_errors"`
	ErrorRate       float64 `json:"error_rate"`
	Temperature     float32 `json:"temperature,omitempty"`
	Power           float32 `json:"power,omitempty"`
	QueuePending    int     `json:"queue_pending"`
	QueueFullCount  uint64  `json:"queue_full_count"`
	HashrateWindows string  `json:"hashrate_windows"`
	Uptime          int64   `json:"uptime_seconds"`
}

func (s *Server) getCoreStats() *CoreStatsResponse {
	if s.core == nil {
		return &CoreStatsResponse{}
	}

	stats := s.core.Stats()

	devices := make([]DeviceBrief, 0)
	for _, dev := range s.core.Devices() {
		snap := dev.Stats()
		devices = append(devices, DeviceBrief{
			ID:          dev.ID(),
			Name:        dev.Name(),
			Status:      dev.State().String(),
			Hashrate:    snap.CurrentHashrate,
			Accepted:    snap.Accepted,
			Temperature: snap.Temperature,
		})
	}

	hr, unit := formatHashrateWithUnit(stats.CurrentHashrate)

	return &CoreStatsResponse{
		Name:            stats.Name,
		DevicesActive:   stats.ActiveDevices,
		DevicesTotal:    stats.DeviceCount,
		DevicesHealthy:  stats.HealthyDevices,
		TotalHashrate:   hr,
		HashrateUnit:    unit,
		AverageHashrate: stats.AverageHashrate,
		TotalHashes:     stats.TotalHashes,
		SharesAccepted:  stats.Accepted,
		SharesRejected:  stats.Rejected,
		HardwareErrors:  stats.HardwareErrors,
		ResultsPending:  stats.ResultsPending,
		Uptime:          int64(stats.Uptime.Seconds()),
		Healthy:         s.core.HealthCheck(),
		Devices:         devices,
	}
}

func (s *Server) getDevicesList() []DeviceBrief {
	devices := make([]DeviceBrief, 0)
	if s.core == nil {
		return devices
	}
	for _, dev := range s.core.Devices() {
		snap := dev.Stats()
		devices = append(devices, DeviceBrief{
			ID:          dev.ID(),
			Name:        dev.Name(),
			Status:      dev.State().String(),
			Hashrate:    snap.CurrentHashrate,
			Accepted:    snap.Accepted,
			Temperature: snap.Temperature,
		})
	}
	return devices
}

func (s *Server) getDeviceDetail(id uint32) *DeviceDetailResponse {
	if s.core == nil {
		return nil
	}
	for _, dev := range s.core.Devices() {
		if dev.ID() != id {
			continue
		}
		snap := dev.Stats()
		qs := dev.QueueStats()
		hr, unit := formatHashrateWithUnit(snap.CurrentHashrate)

		summary := ""
		if tr := dev.Tracker(); tr != nil {
			summary = tr.Summary()
		}

		return &DeviceDetailResponse{
			ID:              dev.ID(),
			Name:            dev.Name(),
			Status:          dev.State().String(),
			Healthy:         dev.HealthCheck(),
			Hashrate:        hr,
			HashrateUnit:    unit,
			AverageHashrate: snap.AverageHashrate,
			TotalHashes:     snap.TotalHashes,
			SharesAccepted:  snap.Accepted,
			SharesRejected:  snap.Rejected,
			HardwareErrors:  snap.HardwareErrors,
			ErrorRate:       snap.ErrorRate(),
			Temperature:     snap.Temperature,
			Power:           snap.Power,
			QueuePending:    qs.Pending,
			QueueFullCount:  qs.QueueFullCount,
			HashrateWindows: summary,
			Uptime:          int64(dev.Uptime().Seconds()),
		}
	}
	return nil
}

// Helpers

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func formatHashrateWithUnit(h float64) (float64, string) {
	switch {
	case h >= 1e12:
		return h / 1e12, "TH/s"
	case h >= 1e9:
		return h / 1e9, "GH/s"
	case h >= 1e6:
		return h / 1e6, "MH/s"
	case h >= 1e3:
		return h / 1e3, "KH/s"
	default:
		return h, "H/s"
	}
}
