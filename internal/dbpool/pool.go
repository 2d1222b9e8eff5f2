// Package dbpool provides a bounded pool of driver-level MySQL connections
// with blocking acquisition. Connections are created lazily up to max_size
// (min_size eagerly at init), pinged on acquire, and recycled when the
// transport breaks.
package dbpool

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/devicehub/devicehub/internal/config"
)

var (
	// ErrAcquireTimeout is returned when no connection became available
	// within the acquire deadline.
	ErrAcquireTimeout = errors.New("connection pool: acquire timed out")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("connection pool: shut down")
	// ErrNotInitialized is returned when Acquire runs before Init.
	ErrNotInitialized = errors.New("connection pool: not initialized")
)

const (
	reapInterval = 30 * time.Second
	idleTimeout  = 5 * time.Minute
)

// Stats is a snapshot of pool counters.
type Stats struct {
	Active   int   `json:"active"`
	Idle     int   `json:"idle"`
	Total    int   `json:"total"`
	Waiting  int   `json:"waiting"`
	MinSize  int   `json:"min_size"`
	MaxSize  int   `json:"max_size"`
	Timeouts int64 `json:"acquire_timeouts_total"`
}

// Pool hands out MySQL connections under a total-size bound. Idle
// connections queue FIFO; saturated acquirers wait on a condition variable
// until a release or their deadline.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	connector      driver.Connector
	minSize        int
	maxSize        int
	acquireTimeout time.Duration

	idle   []*Conn
	total  int
	active int

	waiting  int
	timeouts int64

	initialized bool
	shutdown    bool
	stopCh      chan struct{}

	// newConn is swapped out by tests to avoid a live server.
	newConn func(ctx context.Context) (*Conn, error)
}

// New builds a pool from MySQL settings. No connections are made until Init.
func New(cfg config.MySQLConfig) (*Pool, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	mc.InterpolateParams = true
	mc.ParseTime = true

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("mysql config: %w", err)
	}

	minSize, maxSize := cfg.PoolMinSize, cfg.PoolMaxSize
	if maxSize < 1 {
		maxSize = 1
	}
	if minSize < 0 {
		minSize = 0
	}
	if minSize > maxSize {
		minSize = maxSize
	}

	p := &Pool{
		connector:      connector,
		minSize:        minSize,
		maxSize:        maxSize,
		acquireTimeout: time.Duration(cfg.TimeoutSec) * time.Second,
		stopCh:         make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.newConn = p.dial
	return p, nil
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	dc, err := p.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return wrapConn(dc), nil
}

// AcquireTimeout returns the configured default acquire deadline.
func (p *Pool) AcquireTimeout() time.Duration { return p.acquireTimeout }

// Init eagerly establishes min_size connections. It is idempotent. When
// min_size > 0 and not a single connection could be made, Init fails so the
// caller can fall back to another storage mode.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	created := make([]*Conn, 0, p.minSize)
	for i := 0; i < p.minSize; i++ {
		c, err := p.newConn(ctx)
		if err != nil {
			slog.Warn("pool warm-up connection failed", "index", i+1, "want", p.minSize, "err", err)
			break
		}
		created = append(created, c)
	}
	if p.minSize > 0 && len(created) == 0 {
		return errors.New("connection pool: no connections could be established")
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		for _, c := range created {
			c.Close()
		}
		return ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		for _, c := range created {
			c.Close()
		}
		return nil
	}
	p.idle = append(p.idle, created...)
	p.total += len(created)
	p.initialized = true
	p.mu.Unlock()

	go p.reapLoop()
	slog.Info("connection pool initialized", "conns", len(created), "min", p.minSize, "max", p.maxSize)
	return nil
}

// Acquire returns a connection, creating one when under max_size and waiting
// for a release when saturated. timeout < 0 waits forever; timeout == 0
// fails immediately when nothing is available.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	p.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.shutdown {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if !p.initialized {
			p.mu.Unlock()
			return nil, ErrNotInitialized
		}

		if len(p.idle) > 0 {
			c := p.idle[0]
			p.idle[0] = nil
			p.idle = p.idle[1:]
			p.active++
			p.mu.Unlock()

			err := c.Ping(ctx)
			if err == nil {
				return c, nil
			}
			slog.Warn("idle connection failed ping, replacing", "err", err)
			c.Close()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()

			nc, err := p.newConn(ctx)
			p.mu.Lock()
			if err != nil {
				p.active--
				p.cond.Signal()
				slog.Warn("replacement connection failed", "err", err)
				continue
			}
			p.total++
			p.mu.Unlock()
			return nc, nil
		}

		if p.total < p.maxSize {
			p.total++
			p.active++
			p.mu.Unlock()

			c, err := p.newConn(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.active--
				p.cond.Signal()
				p.mu.Unlock()
				return nil, fmt.Errorf("connection pool: connect: %w", err)
			}
			return c, nil
		}

		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				p.timeouts++
				// Pass the wakeup on; this waiter consumed a signal it
				// can no longer use.
				if len(p.idle) > 0 || p.total < p.maxSize {
					p.cond.Signal()
				}
				p.mu.Unlock()
				return nil, ErrAcquireTimeout
			}
			timer := time.AfterFunc(remaining, p.cond.Broadcast)
			p.waiting++
			p.cond.Wait()
			p.waiting--
			timer.Stop()
		} else {
			p.waiting++
			p.cond.Wait()
			p.waiting--
		}
	}
}

// Release returns a connection to the pool. Invalid connections and releases
// after shutdown drop the connection instead.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.active--
	if p.shutdown {
		p.total--
		p.mu.Unlock()
		c.Close()
		return
	}
	if !c.Valid() {
		p.total--
		p.cond.Signal()
		p.mu.Unlock()
		c.Close()
		return
	}
	c.touch()
	p.idle = append(p.idle, c)
	p.cond.Signal()
	p.mu.Unlock()
}

// WithConn acquires with the default timeout, runs fn, and releases on every
// path.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	c, err := p.Acquire(ctx, p.acquireTimeout)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

// Ping acquires a connection and verifies the server still answers.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(c *Conn) error {
		return c.Ping(ctx)
	})
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:   p.active,
		Idle:     len(p.idle),
		Total:    p.total,
		Waiting:  p.waiting,
		MinSize:  p.minSize,
		MaxSize:  p.maxSize,
		Timeouts: p.timeouts,
	}
}

// Shutdown closes idle connections and fails pending and future acquires.
// Checked-out connections are closed as they come back. Safe to call twice.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	close(p.stopCh)
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	slog.Info("connection pool shut down")
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle drops idle connections beyond min_size that have gone stale or
// invalid. Oldest entries sit at the front of the FIFO.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.minSize {
		return
	}
	excess := len(p.idle) - p.minSize
	kept := make([]*Conn, 0, len(p.idle))
	closed := 0
	for i, c := range p.idle {
		if i < excess && (c.idleFor(idleTimeout) || !c.Valid()) {
			c.Close()
			p.total--
			closed++
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
	if closed > 0 {
		slog.Debug("reaped idle connections", "count", closed)
	}
}
