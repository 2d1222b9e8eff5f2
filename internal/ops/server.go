// Package ops serves the operations plane on a port separate from the device
// listener: health probe, Prometheus metrics, and a JSON stats endpoint.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devicehub/devicehub/internal/dbpool"
	"github.com/devicehub/devicehub/internal/device"
	"github.com/devicehub/devicehub/internal/health"
	"github.com/devicehub/devicehub/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// PoolStats exposes connection pool counters for the stats endpoint.
// *dbpool.Pool satisfies it.
type PoolStats interface {
	Stats() dbpool.Stats
}

// Server is the operations HTTP server.
type Server struct {
	checker    *health.Checker
	metrics    *metrics.Collector
	pool       PoolStats
	devices    *device.Registry
	mode       string
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates a new operations server. checker and pool are nil when
// the server runs without MySQL.
func NewServer(hc *health.Checker, m *metrics.Collector, pool PoolStats, devices *device.Registry, mode string) *Server {
	return &Server{
		checker:   hc,
		metrics:   m,
		pool:      pool,
		devices:   devices,
		mode:      mode,
		startTime: time.Now(),
	}
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.HandleFunc("/api/v1/stats", s.statsHandler).Methods("GET")

	if s.metrics != nil && s.metrics.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// Start starts the operations server. Serving errors are logged, not
// returned, so an unavailable ops port never takes down the device listener.
func (s *Server) Start(port int) {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("ops listener started", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server error", "err", err)
		}
	}()
}

// Stop gracefully shuts down the operations server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status              string `json:"status"`
	StorageMode         string `json:"storage_mode"`
	LastCheck           string `json:"last_check,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	LastError           string `json:"last_error,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	// Without a database there is nothing to probe; the in-memory store is
	// ready as soon as the process is.
	if s.checker == nil {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:      health.StatusHealthy.String(),
			StorageMode: s.mode,
		})
		return
	}

	st := s.checker.Snapshot()

	status := http.StatusOK
	if !s.checker.Healthy() {
		status = http.StatusServiceUnavailable
	}

	resp := healthResponse{
		Status:              st.Status.String(),
		StorageMode:         s.mode,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastError:           st.LastError,
	}
	if !st.LastCheck.IsZero() {
		resp.LastCheck = st.LastCheck.Format(time.RFC3339)
	}

	writeJSON(w, status, resp)
}

type statsResponse struct {
	UptimeSeconds     int           `json:"uptime_seconds"`
	GoVersion         string        `json:"go_version"`
	Goroutines        int           `json:"goroutines"`
	MemoryMB          float64       `json:"memory_mb"`
	StorageMode       string        `json:"storage_mode"`
	RegisteredDevices int64         `json:"registered_devices"`
	Pool              *dbpool.Stats `json:"pool,omitempty"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := statsResponse{
		UptimeSeconds: int(time.Since(s.startTime).Seconds()),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		MemoryMB:      float64(mem.Alloc) / 1024 / 1024,
		StorageMode:   s.mode,
	}
	if s.devices != nil {
		resp.RegisteredDevices = s.devices.Count()
	}
	if s.pool != nil {
		st := s.pool.Stats()
		resp.Pool = &st
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
