//go:build unix

package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Poll is a portable Poller on top of poll(2). OneShot is emulated in user space;
// EdgeTriggered has no poll(2) equivalent and degrades to level-triggered.
type Poll struct {
	mu     sync.Mutex
	fds    map[int]*pollEntry
	closed bool

	raw  []unix.PollFd
	gens []uint64
}

type pollEntry struct {
	flags Flags
	armed bool
	gen   uint64
}

// NewPoll creates an empty poll(2) based Poller.
func NewPoll() *Poll {
	return &Poll{fds: make(map[int]*pollEntry)}
}

// AddSocket registers or re-arms fd.
func (p *Poll) AddSocket(fd int, flags Flags) error {
	if fd < 0 {
		return fmt.Errorf("poll: invalid descriptor %d", fd)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	e, ok := p.fds[fd]
	if !ok {
		e = &pollEntry{}
		p.fds[fd] = e
	}
	e.flags = flags
	e.armed = true
	e.gen++
	return nil
}

// RemoveSocket deregisters fd.
func (p *Poll) RemoveSocket(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.fds, fd)
	return nil
}

// Wait snapshots the armed descriptors and blocks in poll(2).
func (p *Poll) Wait(timeout time.Duration, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	p.raw = p.raw[:0]
	p.gens = p.gens[:0]
	for fd, e := range p.fds {
		if !e.armed {
			continue
		}
		p.raw = append(p.raw, unix.PollFd{Fd: int32(fd), Events: toPoll(e.flags)})
		p.gens = append(p.gens, e.gen)
	}
	p.mu.Unlock()

	_, err := unix.Poll(p.raw, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for i, pfd := range p.raw {
		if n == len(events) {
			break
		}
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		e, ok := p.fds[fd]
		if !ok || !e.armed || e.gen != p.gens[i] {
			// Removed or re-registered while we were blocked.
			continue
		}
		if e.flags&OneShot != 0 {
			e.armed = false
		}
		events[n] = Event{Fd: fd, Flags: fromPoll(pfd.Revents)}
		n++
	}
	return n, nil
}

// Close drops every registration.
func (p *Poll) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.fds = nil
	return nil
}

func toPoll(f Flags) int16 {
	var ev int16
	if f&Readable != 0 {
		ev |= unix.POLLIN
	}
	if f&Writable != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPoll(rev int16) Flags {
	var f Flags
	if rev&(unix.POLLIN|unix.POLLPRI) != 0 {
		f |= Readable
	}
	if rev&unix.POLLOUT != 0 {
		f |= Writable
	}
	if rev&(unix.POLLERR|unix.POLLNVAL) != 0 {
		f |= Error
	}
	if rev&unix.POLLHUP != 0 {
		f |= HangUp
	}
	return f
}
