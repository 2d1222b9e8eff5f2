package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/devicehub/devicehub/internal/config"
	"github.com/devicehub/devicehub/internal/dbpool"
	"github.com/devicehub/devicehub/internal/device"
	"github.com/devicehub/devicehub/internal/handlers"
	"github.com/devicehub/devicehub/internal/health"
	"github.com/devicehub/devicehub/internal/logging"
	"github.com/devicehub/devicehub/internal/metrics"
	"github.com/devicehub/devicehub/internal/ops"
	"github.com/devicehub/devicehub/internal/server"
	"github.com/devicehub/devicehub/internal/store"
	"github.com/devicehub/devicehub/internal/workerpool"
)

const (
	logFile         = "device_server.log"
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 60 * time.Second
	statsInterval   = 5 * time.Second
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.ini", "path to configuration file")
	flag.StringVar(&configPath, "c", "config.ini", "path to configuration file (shorthand)")
	flag.Parse()

	levelVar := new(slog.LevelVar)
	closeLog, err := logging.Setup(logFile, levelVar)
	if err != nil {
		slog.Warn("log file unavailable, logging to stderr", "err", err)
	}

	slog.Info("device server starting...")

	cfg, usedPath, err := config.LoadFirst(configPath, "../config.ini", "../../config.ini")
	if err != nil {
		slog.Warn("no config file loaded, using defaults", "err", err)
	} else {
		slog.Info("configuration loaded", "path", usedPath)
	}
	levelVar.Set(logging.ParseLevel(cfg.Server.LogLevel))

	m := metrics.New()

	// Storage backends. A MySQL setup failure demotes the mode to memory so
	// the server still comes up and keeps accepting reports.
	mode := cfg.Storage.Mode
	var (
		pool       *dbpool.Pool
		mysqlStore *store.MySQL
	)
	if mode == config.ModeMySQL || mode == config.ModeHybrid {
		pool, mysqlStore, err = initMySQL(cfg)
		if err != nil {
			slog.Error("MySQL initialization failed, falling back to memory storage", "err", err)
			mode = config.ModeMemory
			pool, mysqlStore = nil, nil
		}
	}

	var (
		telemetry store.TelemetryStore
		reqs      store.RequirementStore
		devStore  device.Store
	)
	switch mode {
	case config.ModeMySQL, config.ModeHybrid:
		telemetry = mysqlStore
		reqs = mysqlStore
		devStore = mysqlStore
	default:
		telemetry = store.NewMemoryTelemetry()
		reqs = store.NewMemoryRequirements()
	}
	slog.Info("storage initialized", "mode", mode)

	reg := device.New(registryMode(mode), devStore)

	var hc *health.Checker
	if pool != nil {
		hc = health.NewChecker(pool, m, health.Options{
			Timeout: time.Duration(cfg.MySQL.TimeoutSec) * time.Second,
		})
		hc.Start()
	}

	threads := cfg.Server.ThreadPoolSize
	if threads <= 0 {
		threads = 2 * runtime.NumCPU()
		if threads < 4 {
			threads = 4
		}
	}
	wp := workerpool.New()
	wp.Start(threads)

	api := handlers.New(telemetry, reqs, reg, m)
	srv := server.New(api.Handle, wp)
	if err := srv.Listen("0.0.0.0", cfg.Server.Port); err != nil {
		slog.Error("failed to start server", "err", err)
		closeLog()
		os.Exit(1)
	}
	go srv.Run()

	var opsServer *ops.Server
	if cfg.Server.OpsPort > 0 {
		var ps ops.PoolStats
		if pool != nil {
			ps = pool
		}
		opsServer = ops.NewServer(hc, m, ps, reg, mode)
		opsServer.Start(cfg.Server.OpsPort)
	}

	// Hot-reload applies runtime-safe settings only; ports and pool sizes
	// need a restart.
	var watcher *config.Watcher
	if usedPath != "" {
		watcher, err = config.NewWatcher(usedPath, func(newCfg *config.Config) {
			levelVar.Set(logging.ParseLevel(newCfg.Server.LogLevel))
			slog.Info("log level applied", "level", newCfg.Server.LogLevel)
		})
		if err != nil {
			slog.Warn("config hot-reload not available", "err", err)
		}
	}

	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.SetOpenConnections(srv.ConnCount())
				m.SetRegisteredDevices(reg.Count())
				if pool != nil {
					ps := pool.Stats()
					m.SetPoolStats(int64(ps.Active), int64(ps.Idle), int64(ps.Total), int64(ps.Waiting), ps.Timeouts)
				}
				if mysqlStore != nil {
					m.SetBatchPending(mysqlStore.PendingPoints())
				}
			case <-statsDone:
				return
			}
		}
	}()

	slog.Info("device server ready",
		"port", cfg.Server.Port,
		"ops_port", cfg.Server.OpsPort,
		"storage_mode", mode,
		"threads", threads)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig)

	// Graceful shutdown with timeout
	done := make(chan struct{})
	go func() {
		if watcher != nil {
			watcher.Stop()
		}
		close(statsDone)
		if opsServer != nil {
			opsServer.Stop()
		}
		srv.Stop()
		wp.Stop()
		if hc != nil {
			hc.Stop()
		}
		if mysqlStore != nil {
			mysqlStore.Shutdown()
		}
		if pool != nil {
			pool.Shutdown()
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("device server stopped")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		closeLog()
		os.Exit(1)
	}

	closeLog()
}

// initMySQL builds the pool, warms it up, and applies the schema. Any failure
// leaves no resources behind.
func initMySQL(cfg *config.Config) (*dbpool.Pool, *store.MySQL, error) {
	pool, err := dbpool.New(cfg.MySQL)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if err := pool.Init(ctx); err != nil {
		pool.Shutdown()
		return nil, nil, err
	}

	st := store.NewMySQL(pool,
		cfg.Storage.BatchSize,
		time.Duration(cfg.Storage.BatchIntervalMs)*time.Millisecond)
	if err := st.EnsureSchema(ctx); err != nil {
		st.Shutdown()
		pool.Shutdown()
		return nil, nil, err
	}

	return pool, st, nil
}

func registryMode(mode string) device.Mode {
	switch mode {
	case config.ModeMySQL:
		return device.ModeMySQL
	case config.ModeHybrid:
		return device.ModeHybrid
	default:
		return device.ModeMemory
	}
}
