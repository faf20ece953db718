//go:build unix

package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

const (
	readBufSize  = 16 * 1024
	maxHeadBytes = 64 * 1024

	// resolvePollInterval is how often a pending name lookup is checked.
	resolvePollInterval = 10 * time.Millisecond
)

// ErrInUse is returned when adding a transfer that is already attached.
var ErrInUse = errors.New("engine: transfer already attached")

// Multi drives many transfers. It is not safe for concurrent use; the owner serializes calls.
type Multi struct {
	socketFn  SocketFunc
	timerFn   TimerFunc
	transfers map[*Transfer]struct{}
	sockets   map[int]*Transfer
	done      *queue.Queue
	buf       []byte
	gen       uint64
}

// NewMulti creates an empty engine.
func NewMulti() *Multi {
	return &Multi{
		transfers: make(map[*Transfer]struct{}),
		sockets:   make(map[int]*Transfer),
		done:      queue.New(),
		buf:       make([]byte, readBufSize),
	}
}

// SetSocketFunc installs the descriptor registration callback.
func (m *Multi) SetSocketFunc(fn SocketFunc) {
	m.socketFn = fn
}

// SetTimerFunc installs the timer callback.
func (m *Multi) SetTimerFunc(fn TimerFunc) {
	m.timerFn = fn
}

// Add attaches t. Work starts on the next SocketTimeout tick, which the timer callback
// requests immediately.
func (m *Multi) Add(t *Transfer) error {
	if t.multi != nil {
		return ErrInUse
	}
	m.gen++
	t.multi = m
	t.gen = m.gen
	t.reset()
	m.transfers[t] = struct{}{}

	switch {
	case t.URL == nil || t.URL.Host == "":
		m.finish(t, URLMalformat)
	case t.URL.Scheme != "http":
		m.finish(t, UnsupportedProtocol)
	default:
		t.state = stateResolve
	}

	m.updateTimer()
	return nil
}

// Remove detaches t, closing its socket. Removing an unknown transfer is a no-op.
func (m *Multi) Remove(t *Transfer) error {
	if _, ok := m.transfers[t]; !ok {
		return nil
	}
	m.closeSocket(t)
	delete(m.transfers, t)
	t.multi = nil
	t.reset()
	m.updateTimer()
	return nil
}

// Running returns the number of attached transfers that have not finished.
func (m *Multi) Running() int {
	n := 0
	for t := range m.transfers {
		if t.state != stateDone {
			n++
		}
	}
	return n
}

// SocketAction feeds readiness for fd, or a timer tick when fd is SocketTimeout.
// Descriptors the engine no longer owns are ignored.
func (m *Multi) SocketAction(fd int, mask Mask) error {
	if fd == SocketTimeout {
		m.tick(time.Now())
	} else if t, ok := m.sockets[fd]; ok {
		m.drive(t, mask)
	}
	m.updateTimer()
	return nil
}

// InfoRead pops the next completion message.
func (m *Multi) InfoRead() (Message, bool) {
	for m.done.Length() > 0 {
		msg := m.done.Remove().(Message)
		if msg.Transfer.multi != m || msg.Transfer.gen != msg.gen {
			// Removed (or re-added) before the message was read.
			continue
		}
		return msg, true
	}
	return Message{}, false
}

// Close detaches every transfer and closes their sockets.
func (m *Multi) Close() {
	for t := range m.transfers {
		m.closeSocket(t)
		t.multi = nil
		t.reset()
	}
	m.transfers = make(map[*Transfer]struct{})
	m.sockets = make(map[int]*Transfer)
	m.done = queue.New()
}

func (m *Multi) notify(t *Transfer, fd int, action Action) {
	if m.socketFn != nil {
		m.socketFn(t, fd, action)
	}
}

func (m *Multi) tick(now time.Time) {
	for t := range m.transfers {
		switch t.state {
		case stateResolve:
			m.resolve(t, now)
		case stateResolving:
			select {
			case res := <-t.resolved:
				if res.err != nil {
					m.finish(t, CouldntResolveHost)
					continue
				}
				m.connect(t, res.ip, now)
			default:
				if now.After(t.deadline) {
					m.finish(t, OperationTimedOut)
				}
			}
		case stateConnecting:
			if now.After(t.deadline) {
				m.finish(t, OperationTimedOut)
			}
		}
	}
}

func (m *Multi) updateTimer() {
	if m.timerFn == nil {
		return
	}

	now := time.Now()
	next := time.Duration(-1)
	fold := func(d time.Duration) {
		if d < 0 {
			d = 0
		}
		if next < 0 || d < next {
			next = d
		}
	}

	for t := range m.transfers {
		switch t.state {
		case stateResolve:
			fold(0)
		case stateResolving:
			fold(min(resolvePollInterval, t.deadline.Sub(now)))
		case stateConnecting:
			fold(t.deadline.Sub(now))
		}
	}
	m.timerFn(next)
}

func (m *Multi) resolve(t *Transfer, now time.Time) {
	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	t.deadline = now.Add(timeout)

	host := t.URL.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		m.connect(t, ip, now)
		return
	}

	ch := make(chan resolution, 1)
	t.resolved = ch
	t.state = stateResolving
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err == nil && len(addrs) == 0 {
			err = errors.New("no addresses")
		}
		if err != nil {
			ch <- resolution{err: err}
			return
		}
		ip := addrs[0].IP
		for _, a := range addrs {
			if a.IP.To4() != nil {
				ip = a.IP
				break
			}
		}
		ch <- resolution{ip: ip}
	}()
}

func (m *Multi) connect(t *Transfer, ip net.IP, now time.Time) {
	port := 80
	if p := t.URL.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			m.finish(t, URLMalformat)
			return
		}
		port = n
	}

	var (
		family int
		sa     unix.Sockaddr
	)
	if ip4 := ip.To4(); ip4 != nil {
		addr := &unix.SockaddrInet4{Port: port}
		copy(addr.Addr[:], ip4)
		family, sa = unix.AF_INET, addr
	} else {
		addr := &unix.SockaddrInet6{Port: port}
		copy(addr.Addr[:], ip.To16())
		family, sa = unix.AF_INET6, addr
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		m.finish(t, CouldntConnect)
		return
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		m.finish(t, CouldntConnect)
		return
	}
	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		m.finish(t, CouldntConnect)
		return
	}

	t.fd = fd
	t.state = stateConnecting
	if t.deadline.IsZero() {
		t.deadline = now.Add(DefaultConnectTimeout)
	}
	m.sockets[fd] = t
	m.notify(t, fd, PollOut)
}

func (m *Multi) drive(t *Transfer, mask Mask) {
	switch t.state {
	case stateConnecting:
		if mask&(CSelectOut|CSelectErr) == 0 {
			return
		}
		soErr, err := unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil || soErr != 0 {
			m.finish(t, CouldntConnect)
			return
		}
		t.out = t.requestHead()
		t.state = stateSending
		m.send(t)
	case stateSending:
		if mask&CSelectErr != 0 {
			m.finish(t, SendError)
			return
		}
		if mask&CSelectOut != 0 {
			m.send(t)
		}
	case stateReceiving:
		// A hang-up arrives as an error; reading drains what is left and sees EOF.
		if mask&(CSelectIn|CSelectErr) != 0 {
			m.receive(t)
		}
	}
}

func (m *Multi) send(t *Transfer) {
	for {
		if len(t.out) > 0 {
			n, err := unix.Write(t.fd, t.out)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					return
				}
				m.finish(t, SendError)
				return
			}
			t.out = t.out[n:]
			continue
		}

		if t.uploaded < t.UploadSize {
			if t.ReadFunc == nil {
				m.finish(t, ReadError)
				return
			}
			chunk := m.buf[:min(int64(len(m.buf)), t.UploadSize-t.uploaded)]
			n, err := t.ReadFunc(chunk)
			if n > 0 {
				t.out = append(t.out[:0], chunk[:n]...)
				t.uploaded += int64(n)
				continue
			}
			if err != nil {
				// io.EOF before UploadSize bytes is a short upload.
				m.finish(t, ReadError)
				return
			}
			return // paused
		}

		t.out = nil
		t.state = stateReceiving
		m.notify(t, t.fd, PollIn)
		return
	}
}

func (m *Multi) receive(t *Transfer) {
	if len(t.pending) > 0 {
		if !m.deliver(t, t.pending) {
			return
		}
	}

	n, err := unix.Read(t.fd, m.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return
		}
		m.finish(t, RecvError)
		return
	}
	if n == 0 {
		m.eof(t)
		return
	}

	data := m.buf[:n]
	if t.status.Load() == 0 {
		t.head = append(t.head, data...)
		idx := bytes.Index(t.head, []byte("\r\n\r\n"))
		if idx < 0 {
			if len(t.head) > maxHeadBytes {
				m.finish(t, RecvError)
			}
			return
		}
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(t.head[:idx+4])), nil)
		if err != nil {
			m.finish(t, RecvError)
			return
		}
		_ = resp.Body.Close()

		t.status.Store(int64(resp.StatusCode))
		t.contentLength.Store(resp.ContentLength)
		data = t.head[idx+4:]
		t.head = nil

		switch {
		case resp.StatusCode >= 400:
			m.finish(t, HTTPReturnedError)
			return
		case t.Method == http.MethodHead || resp.ContentLength == 0:
			m.finish(t, OK)
			return
		}
	}

	if len(data) > 0 {
		m.deliver(t, data)
	}
}

// deliver hands body bytes to WriteFunc. It reports whether reception may continue.
func (m *Multi) deliver(t *Transfer, data []byte) bool {
	n := len(data)
	if t.WriteFunc != nil {
		var err error
		n, err = t.WriteFunc(data)
		if err != nil {
			m.finish(t, WriteError)
			return false
		}
		n = max(0, min(n, len(data)))
	}
	received := t.received.Add(int64(n))

	if n < len(data) {
		if len(t.pending) > 0 && &t.pending[0] == &data[0] {
			t.pending = t.pending[n:]
		} else {
			t.pending = append([]byte(nil), data[n:]...)
		}
		return false
	}
	t.pending = nil

	if cl := t.contentLength.Load(); cl >= 0 && received >= cl {
		m.finish(t, OK)
		return false
	}
	return true
}

func (m *Multi) eof(t *Transfer) {
	switch {
	case t.status.Load() == 0:
		m.finish(t, RecvError)
	case t.contentLength.Load() >= 0 && t.received.Load() < t.contentLength.Load():
		m.finish(t, PartialFile)
	default:
		m.finish(t, OK)
	}
}

func (m *Multi) closeSocket(t *Transfer) {
	if t.fd < 0 {
		return
	}
	fd := t.fd
	m.notify(t, fd, PollRemove)
	_ = unix.Close(fd)
	delete(m.sockets, fd)
	t.fd = -1
}

func (m *Multi) finish(t *Transfer, r Result) {
	m.closeSocket(t)
	t.state = stateDone
	t.pending = nil
	t.out = nil
	m.done.Add(Message{Transfer: t, Result: r, gen: t.gen})
}
