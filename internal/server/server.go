// Package server implements the event-driven HTTP front end: a non-blocking
// listener and an edge-triggered epoll loop that frames requests out of
// per-connection buffers and hands them to a worker pool. Responses for a
// connection are dispatched one at a time so pipelined requests on a
// keep-alive socket come back in request order.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/devicehub/devicehub/internal/netpoll"
	"github.com/devicehub/devicehub/internal/workerpool"
)

const (
	// maxEvents bounds how many readiness events one wait call returns.
	maxEvents = 10000
	// waitMillis keeps the loop responsive to Stop without busy-spinning.
	waitMillis = 100
	// listenBacklog is the accept queue depth passed to listen(2).
	listenBacklog = 1024
)

// connEvents is the registration mask for accepted sockets: edge-triggered
// read and write readiness plus peer half-close.
const connEvents = netpoll.In | netpoll.Out | netpoll.Edge | netpoll.RDHup

// Handler turns one complete request's raw bytes into raw response bytes.
// It runs on a worker goroutine and must be safe for concurrent use.
type Handler func(req []byte) []byte

// Server owns the listening socket, the poller and the connection table.
type Server struct {
	handler Handler
	pool    *workerpool.Pool

	poller   *netpoll.Poller
	listenFd int
	port     int

	mu    sync.Mutex
	conns map[int]*Conn

	running  atomic.Bool
	started  atomic.Bool
	loopDone chan struct{}
	teardown sync.Once
}

// New returns a server that feeds complete requests to handler on pool
// workers. A nil pool runs handlers inline on the event loop, which only
// suits tests.
func New(handler Handler, pool *workerpool.Pool) *Server {
	return &Server{
		handler:  handler,
		pool:     pool,
		listenFd: -1,
		conns:    make(map[int]*Conn),
		loopDone: make(chan struct{}),
	}
}

// Listen binds a non-blocking IPv4 listener and registers it with a fresh
// epoll instance. Port 0 picks an ephemeral port; Port reports the bound one.
func (s *Server) Listen(host string, port int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create listen socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	if host != "" && host != "0.0.0.0" {
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			unix.Close(fd)
			return fmt.Errorf("invalid listen address %q", host)
		}
		copy(sa.Addr[:], ip.To4())
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("getsockname: %w", err)
	}
	if sa4, ok := bound.(*unix.SockaddrInet4); ok {
		s.port = sa4.Port
	}

	poller, err := netpoll.New()
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := poller.Add(fd, netpoll.In|netpoll.Edge); err != nil {
		poller.Close()
		unix.Close(fd)
		return err
	}

	s.listenFd = fd
	s.poller = poller
	s.running.Store(true)
	slog.Info("server listening", "host", host, "port", s.port)
	return nil
}

// Run drives the event loop until Stop is called. On exit it waits for the
// worker pool to finish in-flight requests, then closes every connection,
// the listener and the poller.
func (s *Server) Run() {
	s.started.Store(true)
	events := make([]netpoll.Event, maxEvents)
	for s.running.Load() {
		n, err := s.poller.Wait(events, waitMillis)
		if err != nil {
			if s.running.Load() {
				slog.Error("epoll wait failed", "err", err)
			}
			break
		}
		for i := 0; i < n; i++ {
			s.handleEvent(int(events[i].Fd), events[i].Events)
		}
	}
	if s.pool != nil {
		s.pool.WaitIdle()
	}
	s.shutdown()
	close(s.loopDone)
}

// Stop ends the event loop and blocks until teardown finished. Safe to call
// more than once.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.started.Load() {
		<-s.loopDone
		return
	}
	s.shutdown()
}

// Port returns the bound listen port, useful after binding port 0.
func (s *Server) Port() int { return s.port }

// ConnCount reports how many connections are currently tracked.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleEvent(fd int, events uint32) {
	if fd == s.listenFd {
		s.acceptPending()
		return
	}

	s.mu.Lock()
	c, ok := s.conns[fd]
	s.mu.Unlock()
	if !ok {
		return
	}

	if events&(netpoll.RDHup|netpoll.Hup|netpoll.Err) != 0 {
		s.removeConn(fd)
		return
	}
	if events&netpoll.In != 0 {
		c.OnReadable()
		for {
			req := c.ExtractRequest()
			if req == nil {
				break
			}
			c.enqueue(req)
		}
		if s.handler != nil && c.claimDispatch() {
			s.dispatch(c)
		}
	}
	if events&netpoll.Out != 0 {
		c.OnWritable()
	}
	if c.Closed() {
		s.removeConn(fd)
	}
}

// acceptPending accepts until the listener would block; edge triggering
// reports the backlog transition only once.
func (s *Server) acceptPending() {
	for {
		nfd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR:
				continue
			default:
				slog.Error("accept failed", "err", err)
				return
			}
		}
		if err := s.poller.Add(nfd, connEvents); err != nil {
			slog.Error("register connection failed", "fd", nfd, "err", err)
			unix.Close(nfd)
			continue
		}
		c := newConn(nfd)
		s.mu.Lock()
		s.conns[nfd] = c
		s.mu.Unlock()
		slog.Debug("connection accepted", "fd", nfd)
	}
}

// dispatch pops the next queued request and schedules its handler. The
// follow-up dispatch runs only after the response was appended, so each
// connection has at most one handler in flight.
func (s *Server) dispatch(c *Conn) {
	req, ok := c.nextRequest()
	if !ok {
		return
	}
	run := func() {
		resp := s.handler(req)
		if len(resp) > 0 {
			c.AppendResponse(resp)
			s.armWrite(c)
		}
		s.dispatch(c)
	}
	if s.pool != nil {
		s.pool.Submit(run)
	} else {
		run()
	}
}

// armWrite re-registers the connection with its unchanged mask so the kernel
// re-reports write readiness for the freshly buffered response.
func (s *Server) armWrite(c *Conn) {
	if c.Closed() {
		return
	}
	if err := s.poller.Modify(c.fd, connEvents); err != nil {
		slog.Debug("write re-arm failed", "fd", c.fd, "err", err)
	}
}

func (s *Server) removeConn(fd int) {
	s.mu.Lock()
	c, ok := s.conns[fd]
	if ok {
		delete(s.conns, fd)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.poller.Remove(fd)
	c.Close()
	slog.Debug("connection closed", "fd", fd)
}

func (s *Server) shutdown() {
	s.teardown.Do(func() {
		s.mu.Lock()
		conns := s.conns
		s.conns = make(map[int]*Conn)
		s.mu.Unlock()
		for fd, c := range conns {
			_ = s.poller.Remove(fd)
			c.Close()
		}
		if s.listenFd >= 0 {
			_ = s.poller.Remove(s.listenFd)
			unix.Close(s.listenFd)
			s.listenFd = -1
		}
		if s.poller != nil {
			s.poller.Close()
		}
		slog.Info("server stopped")
	})
}
