// Package netpoll wraps the Linux epoll readiness facility behind a small
// Poller type. The server registers non-blocking fds edge-triggered and
// drives everything from a single Wait loop.
package netpoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Readiness masks composed by callers into registration masks.
const (
	In    = uint32(unix.EPOLLIN)
	Out   = uint32(unix.EPOLLOUT)
	Edge  = uint32(unix.EPOLLET)
	RDHup = uint32(unix.EPOLLRDHUP)
	Err   = uint32(unix.EPOLLERR)
	Hup   = uint32(unix.EPOLLHUP)
)

// Event is one readiness notification.
type Event = unix.EpollEvent

// Poller owns an epoll instance.
type Poller struct {
	epfd int
}

// New creates an epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

// Add registers fd with the given event mask.
func (p *Poller) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Modify re-registers fd with the given mask. Re-registering an unchanged
// edge-triggered mask forces the kernel to re-deliver readiness, which is
// how workers signal the loop that response bytes are waiting.
func (p *Poller) Modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. Removing an fd that was already closed is reported
// as an error by the kernel; callers treat that as benign.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait fills events and returns the count. timeoutMs of -1 blocks forever;
// 0 polls. EINTR is retried transparently.
func (p *Poller) Wait(events []Event, timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		return n, nil
	}
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
