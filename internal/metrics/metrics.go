// Package metrics exposes the Prometheus instrumentation for the device
// server: request counts and latencies from the dispatcher, plus gauges a
// background sampler refreshes from pool, store, and registry state.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics. Registry carries only this
// process's metrics so the ops listener can serve it without picking up
// default-registry noise.
type Collector struct {
	Registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	openConnections prometheus.Gauge

	poolActive   prometheus.Gauge
	poolIdle     prometheus.Gauge
	poolTotal    prometheus.Gauge
	poolWaiting  prometheus.Gauge
	poolTimeouts prometheus.Gauge

	batchPending      prometheus.Gauge
	registeredDevices prometheus.Gauge
	dbHealthy         prometheus.Gauge
}

// New creates all metrics on a fresh registry.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deviceserver_http_requests_total",
				Help: "HTTP requests handled, by route and status code",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deviceserver_http_request_duration_seconds",
				Help:    "Request handling duration in seconds, by route",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"route"},
		),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_open_connections",
			Help: "Client connections currently registered with the event loop",
		}),
		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_pool_connections_active",
			Help: "Database connections checked out of the pool",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_pool_connections_idle",
			Help: "Database connections idle in the pool",
		}),
		poolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_pool_connections_total",
			Help: "Database connections owned by the pool",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_pool_waiters",
			Help: "Goroutines blocked waiting for a pooled connection",
		}),
		poolTimeouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_pool_acquire_timeouts",
			Help: "Cumulative acquire timeouts reported by the pool",
		}),
		batchPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_batch_pending_points",
			Help: "Telemetry points buffered and not yet flushed",
		}),
		registeredDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_registered_devices",
			Help: "Devices known to the registry",
		}),
		dbHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_db_healthy",
			Help: "Database health check verdict (1=healthy, 0=unhealthy)",
		}),
	}

	c.Registry.MustRegister(
		c.httpRequests,
		c.requestDuration,
		c.openConnections,
		c.poolActive,
		c.poolIdle,
		c.poolTotal,
		c.poolWaiting,
		c.poolTimeouts,
		c.batchPending,
		c.registeredDevices,
		c.dbHealthy,
	)

	return c
}

// RequestObserved records one handled request.
func (c *Collector) RequestObserved(route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// SetOpenConnections updates the event-loop connection gauge.
func (c *Collector) SetOpenConnections(n int) {
	c.openConnections.Set(float64(n))
}

// SetPoolStats refreshes the pool gauges from a stats snapshot.
func (c *Collector) SetPoolStats(active, idle, total, waiting, timeouts int64) {
	c.poolActive.Set(float64(active))
	c.poolIdle.Set(float64(idle))
	c.poolTotal.Set(float64(total))
	c.poolWaiting.Set(float64(waiting))
	c.poolTimeouts.Set(float64(timeouts))
}

// SetBatchPending updates the buffered-points gauge.
func (c *Collector) SetBatchPending(n int) {
	c.batchPending.Set(float64(n))
}

// SetRegisteredDevices updates the device-count gauge.
func (c *Collector) SetRegisteredDevices(n int64) {
	c.registeredDevices.Set(float64(n))
}

// SetDBHealthy records the health checker's verdict.
func (c *Collector) SetDBHealthy(healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.dbHealthy.Set(val)
}
