package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devicehub/devicehub/internal/metrics"
)

var testOpts = Options{
	Interval:         30 * time.Second,
	FailureThreshold: 3,
	Timeout:          5 * time.Second,
}

type fakePinger struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakePinger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// slowPinger blocks until the probe context expires.
type slowPinger struct{}

func (slowPinger) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCheckerInitialState(t *testing.T) {
	c := NewChecker(&fakePinger{}, nil, testOpts)

	// Before the first check lands the database is assumed reachable
	if !c.Healthy() {
		t.Error("unchecked database should be treated as healthy")
	}

	st := c.Snapshot()
	if st.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", st.Status)
	}
	if !st.LastCheck.IsZero() {
		t.Error("expected zero LastCheck before first check")
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	c := NewChecker(&fakePinger{}, nil, testOpts)

	c.updateStatus(nil)
	if !c.Healthy() {
		t.Error("should be healthy after successful ping")
	}

	st := c.Snapshot()
	if st.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", st.Status)
	}

	// Single failure shouldn't flip the status (threshold is 3)
	c.updateStatus(errors.New("connection refused"))
	if !c.Healthy() {
		t.Error("should still be healthy after one failure")
	}

	st = c.Snapshot()
	if st.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", st.ConsecutiveFailures)
	}
	if st.LastError != "connection refused" {
		t.Errorf("expected last error recorded, got %q", st.LastError)
	}
}

func TestCheckerThreshold(t *testing.T) {
	c := NewChecker(&fakePinger{}, nil, testOpts)

	down := errors.New("down")
	c.updateStatus(down)
	c.updateStatus(down)
	c.updateStatus(down)

	if c.Healthy() {
		t.Error("should be unhealthy after 3 consecutive failures")
	}

	st := c.Snapshot()
	if st.Status != StatusUnhealthy {
		t.Errorf("expected StatusUnhealthy, got %v", st.Status)
	}
	if st.ConsecutiveFailures != 3 {
		t.Errorf("expected 3 consecutive failures, got %d", st.ConsecutiveFailures)
	}
}

func TestCheckerRecovery(t *testing.T) {
	c := NewChecker(&fakePinger{}, nil, testOpts)

	down := errors.New("down")
	c.updateStatus(down)
	c.updateStatus(down)
	c.updateStatus(down)

	if c.Healthy() {
		t.Error("should be unhealthy")
	}

	c.updateStatus(nil)
	if !c.Healthy() {
		t.Error("should be healthy after recovery")
	}

	st := c.Snapshot()
	if st.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures after recovery, got %d", st.ConsecutiveFailures)
	}
	if st.LastError != "" {
		t.Errorf("expected last error cleared after recovery, got %q", st.LastError)
	}
}

func TestCheckerDefaults(t *testing.T) {
	c := NewChecker(&fakePinger{}, nil, Options{})

	if c.interval != defaultInterval {
		t.Errorf("expected default interval %v, got %v", defaultInterval, c.interval)
	}
	if c.threshold != defaultThreshold {
		t.Errorf("expected default threshold %d, got %d", defaultThreshold, c.threshold)
	}
	if c.timeout != defaultTimeout {
		t.Errorf("expected default timeout %v, got %v", defaultTimeout, c.timeout)
	}
}

func TestCheckerRunLoop(t *testing.T) {
	p := &fakePinger{}
	c := NewChecker(p, nil, Options{
		Interval:         10 * time.Millisecond,
		FailureThreshold: 3,
		Timeout:          time.Second,
	})

	c.Start()
	time.Sleep(100 * time.Millisecond)
	c.Stop()

	if got := p.callCount(); got < 2 {
		t.Errorf("expected repeated pings, got %d", got)
	}
	if !c.Healthy() {
		t.Error("should be healthy with a passing pinger")
	}
	if c.Snapshot().LastCheck.IsZero() {
		t.Error("expected LastCheck to be set after run loop")
	}
}

func TestCheckerProbeTimeout(t *testing.T) {
	c := NewChecker(slowPinger{}, nil, Options{
		Interval:         time.Hour,
		FailureThreshold: 1,
		Timeout:          20 * time.Millisecond,
	})

	c.check()

	if c.Healthy() {
		t.Error("should be unhealthy after probe timeout with threshold 1")
	}
	if st := c.Snapshot(); !strings.Contains(st.LastError, "deadline") {
		t.Errorf("expected deadline error recorded, got %q", st.LastError)
	}
}

func TestCheckerReportsMetrics(t *testing.T) {
	m := metrics.New()
	c := NewChecker(&fakePinger{}, m, Options{FailureThreshold: 1})

	// Exercise both transitions against a live collector
	c.updateStatus(errors.New("down"))
	c.updateStatus(nil)

	if !c.Healthy() {
		t.Error("should be healthy after recovery")
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDoubleStop(t *testing.T) {
	c := NewChecker(&fakePinger{}, nil, testOpts)
	c.Start()

	// Should not panic
	c.Stop()
	c.Stop()
}
