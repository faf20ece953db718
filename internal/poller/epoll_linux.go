//go:build linux

package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Epoll is a Poller backed by Linux epoll(7).
type Epoll struct {
	mu     sync.Mutex
	epfd   int
	fds    map[int]Flags
	closed bool

	// raw is only touched by Wait, which runs on the owning reactor goroutine.
	raw []unix.EpollEvent
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Epoll{
		epfd: epfd,
		fds:  make(map[int]Flags),
	}, nil
}

// New returns the preferred Poller for the platform.
func New() (Poller, error) {
	return NewEpoll()
}

// AddSocket registers fd, or modifies the registration if fd is already known.
func (p *Epoll) AddSocket(fd int, flags Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	ev := &unix.EpollEvent{Events: toEpoll(flags), Fd: int32(fd)}

	op := unix.EPOLL_CTL_ADD
	if _, ok := p.fds[fd]; ok {
		op = unix.EPOLL_CTL_MOD
	}
	err := unix.EpollCtl(p.epfd, op, fd, ev)
	switch {
	case err == nil:
	case op == unix.EPOLL_CTL_MOD && errors.Is(err, unix.ENOENT):
		// The descriptor was closed and reused behind our back.
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	case op == unix.EPOLL_CTL_ADD && errors.Is(err, unix.EEXIST):
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	}
	if err != nil {
		return fmt.Errorf("epoll_ctl fd=%d: %w", fd, err)
	}

	p.fds[fd] = flags
	return nil
}

// RemoveSocket deregisters fd. Unknown or already closed descriptors are ignored.
func (p *Epoll) RemoveSocket(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	if _, ok := p.fds[fd]; !ok {
		return nil
	}
	delete(p.fds, fd)

	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks for readiness events.
func (p *Epoll) Wait(timeout time.Duration, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	epfd := p.epfd
	p.mu.Unlock()

	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	n, err := unix.EpollWait(epfd, raw, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		events[i] = Event{Fd: int(raw[i].Fd), Flags: fromEpoll(raw[i].Events)}
	}
	return n, nil
}

// Close releases the epoll descriptor. Registered descriptors are not closed.
func (p *Epoll) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.fds = nil
	return unix.Close(p.epfd)
}

func toEpoll(f Flags) uint32 {
	var ev uint32
	if f&Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if f&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if f&Error != 0 {
		ev |= unix.EPOLLERR
	}
	if f&HangUp != 0 {
		ev |= unix.EPOLLHUP
	}
	if f&OneShot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	if f&EdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	return ev
}

func fromEpoll(ev uint32) Flags {
	var f Flags
	if ev&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		f |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		f |= Writable
	}
	if ev&unix.EPOLLERR != 0 {
		f |= Error
	}
	if ev&unix.EPOLLHUP != 0 {
		f |= HangUp
	}
	return f
}
