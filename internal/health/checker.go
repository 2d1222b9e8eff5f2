// Package health runs periodic liveness probes against the backing database
// and tracks its status behind a consecutive-failure threshold.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devicehub/devicehub/internal/metrics"
)

// Status represents the health status of the database.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// State is a snapshot of the checker's view of the database.
type State struct {
	Status              Status
	LastCheck           time.Time
	ConsecutiveFailures int
	LastError           string
}

// Pinger verifies the database answers a round trip. *dbpool.Pool satisfies
// it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the checker. Zero fields fall back to the defaults.
type Options struct {
	Interval         time.Duration
	FailureThreshold int
	Timeout          time.Duration
}

const (
	defaultInterval  = 15 * time.Second
	defaultThreshold = 3
	defaultTimeout   = 5 * time.Second
)

// Checker performs periodic health checks against one database target.
type Checker struct {
	mu      sync.RWMutex
	state   State
	pinger  Pinger
	metrics *metrics.Collector

	interval  time.Duration
	threshold int
	timeout   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a new health checker.
func NewChecker(p Pinger, m *metrics.Collector, opts Options) *Checker {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Checker{
		state:     State{Status: StatusUnknown},
		pinger:    p,
		metrics:   m,
		interval:  opts.Interval,
		threshold: opts.FailureThreshold,
		timeout:   opts.Timeout,
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.threshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.check()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) check() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	c.updateStatus(c.pinger.Ping(ctx))
}

func (c *Checker) updateStatus(pingErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.LastCheck = time.Now()

	if pingErr == nil {
		if c.state.ConsecutiveFailures > 0 {
			slog.Info("database recovered", "failures", c.state.ConsecutiveFailures)
		}
		c.state.Status = StatusHealthy
		c.state.ConsecutiveFailures = 0
		c.state.LastError = ""
	} else {
		c.state.ConsecutiveFailures++
		c.state.LastError = pingErr.Error()
		if c.state.ConsecutiveFailures >= c.threshold {
			if c.state.Status != StatusUnhealthy {
				slog.Warn("database marked unhealthy", "failures", c.state.ConsecutiveFailures, "error", pingErr)
			}
			c.state.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetDBHealthy(c.state.Status == StatusHealthy)
	}
}

// Healthy reports whether the database is responding. Unknown is treated as
// healthy so probes pass before the first check lands.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Status != StatusUnhealthy
}

// Snapshot returns the current health state.
func (c *Checker) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}
