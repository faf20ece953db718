//go:build unix

// Package httpd is a small remote-control HTTP daemon running its own reactor.
//
// One goroutine owns the listening socket and every client connection. Requests
// are parsed incrementally; a Router decides which Handler consumes each one.
package httpd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/transferd/internal/poller"
)

const (
	readBufSize    = 4 * 1024
	maxHeaderBytes = 64 * 1024
)

// Config describes the listening socket and the reactor tuning.
type Config struct {
	UseV6       bool
	BindAddress string
	Port        int
	Backlog     int
	PollTimeout time.Duration
	BatchSize   int
	Router      Router
	Logger      *slog.Logger
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Port:        2233,
		Backlog:     5,
		PollTimeout: 500 * time.Millisecond,
		BatchSize:   5,
	}
}

// Stats counts what the daemon has seen.
type Stats struct {
	Accepted    uint64 `json:"accepted"`
	Closed      uint64 `json:"closed"`
	Malformed   uint64 `json:"malformed"`
	StrayEvents uint64 `json:"stray_events"`
	WriteEvents uint64 `json:"write_events"`
	Clients     int64  `json:"clients"`
}

// Daemon is the HTTP reactor.
type Daemon struct {
	cfg Config
	log *slog.Logger

	listenFd int
	addr     net.Addr
	poller   poller.Poller
	clients  map[int]*Conn
	buf      []byte

	started   bool
	stopping  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	accepted    atomic.Uint64
	closed      atomic.Uint64
	malformed   atomic.Uint64
	strayEvents atomic.Uint64
	writeEvents atomic.Uint64
	clientCount atomic.Int64
}

// New returns a daemon that is not yet listening.
func New(cfg Config) *Daemon {
	d := DefaultConfig()
	if cfg.Backlog <= 0 {
		cfg.Backlog = d.Backlog
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = d.PollTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Daemon{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "httpd"),
		listenFd: -1,
		clients:  make(map[int]*Conn),
		buf:      make([]byte, readBufSize),
		done:     make(chan struct{}),
	}
}

// Start binds, listens and launches the reactor goroutine. Errors are fatal and
// nothing is retried.
func (d *Daemon) Start() error {
	if d.started {
		return errors.New("httpd: already started")
	}

	family := unix.AF_INET
	if d.cfg.UseV6 {
		family = unix.AF_INET6
	}
	sa, err := d.sockaddr()
	if err != nil {
		return err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	fail := func(step string, err error) error {
		_ = unix.Close(fd)
		return fmt.Errorf("%s: %w", step, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set nonblock", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, d.cfg.Backlog); err != nil {
		return fail("listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}

	p, err := poller.New()
	if err != nil {
		return fail("poller", err)
	}
	if err := p.AddSocket(fd, poller.Readable|poller.Error); err != nil {
		_ = p.Close()
		return fail("register listener", err)
	}

	d.listenFd = fd
	d.addr = toTCPAddr(bound)
	d.poller = p
	d.started = true

	d.log.Info("listening", "addr", d.addr.String(), "backlog", d.cfg.Backlog)
	go d.run()
	return nil
}

// Stop ends the reactor after its current wait, then closes the listener and
// every client socket.
func (d *Daemon) Stop() error {
	if !d.started {
		return nil
	}
	var err error
	d.closeOnce.Do(func() {
		d.stopping.Store(true)
		<-d.done

		_ = unix.Close(d.listenFd)
		err = d.poller.Close()
		for fd := range d.clients {
			_ = unix.Close(fd)
		}
		clear(d.clients)
		d.clientCount.Store(0)
		d.log.Info("stopped")
	})
	return err
}

// Addr is the bound address, valid after Start.
func (d *Daemon) Addr() net.Addr { return d.addr }

// Stats returns current counters. It is safe to call from any goroutine.
func (d *Daemon) Stats() Stats {
	return Stats{
		Accepted:    d.accepted.Load(),
		Closed:      d.closed.Load(),
		Malformed:   d.malformed.Load(),
		StrayEvents: d.strayEvents.Load(),
		WriteEvents: d.writeEvents.Load(),
		Clients:     d.clientCount.Load(),
	}
}

func (d *Daemon) sockaddr() (unix.Sockaddr, error) {
	var ip net.IP
	if d.cfg.BindAddress != "" {
		network := "ip4"
		if d.cfg.UseV6 {
			network = "ip6"
		}
		ips, err := net.DefaultResolver.LookupIP(context.Background(), network, d.cfg.BindAddress)
		if err != nil {
			return nil, fmt.Errorf("resolve bind address: %w", err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("resolve bind address: no %s address for %q", network, d.cfg.BindAddress)
		}
		ip = ips[0]
	}

	if d.cfg.UseV6 {
		sa := &unix.SockaddrInet6{Port: d.cfg.Port}
		if ip != nil {
			copy(sa.Addr[:], ip.To16())
		}
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: d.cfg.Port}
	if ip != nil {
		copy(sa.Addr[:], ip.To4())
	}
	return sa, nil
}

func (d *Daemon) run() {
	defer close(d.done)

	events := make([]poller.Event, d.cfg.BatchSize)
	for !d.stopping.Load() {
		n, err := d.poller.Wait(d.cfg.PollTimeout, events)
		if err != nil {
			if errors.Is(err, poller.ErrClosed) {
				return
			}
			d.log.Error("poller wait failed", "error", err)
			return
		}
		if !d.cycle(events[:n]) {
			return
		}
	}
}

// cycle handles one batch of events. It returns false when the listener failed.
func (d *Daemon) cycle(events []poller.Event) bool {
	for _, ev := range events {
		if ev.Fd == d.listenFd {
			if ev.Flags&poller.Error != 0 {
				d.log.Error("listening socket failed")
				return false
			}
			d.accept()
			continue
		}

		c, ok := d.clients[ev.Fd]
		if !ok {
			d.strayEvents.Add(1)
			d.log.Warn("event on unknown descriptor", "fd", ev.Fd, "flags", ev.Flags.String())
			_ = d.poller.RemoveSocket(ev.Fd)
			_ = unix.Close(ev.Fd)
			continue
		}

		switch {
		case ev.Flags&poller.Error != 0:
			d.closeClient(c)
		case ev.Flags&(poller.Readable|poller.HangUp) != 0:
			d.readClient(c)
		case ev.Flags&poller.Writable != 0:
			d.writeClient(c)
		}
	}
	return true
}

func (d *Daemon) accept() {
	for {
		fd, sa, err := unix.Accept(d.listenFd)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return
			}
			if errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			d.log.Warn("accept failed", "error", err)
			return
		}
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			d.log.Warn("failed to make client non-blocking", "error", err)
			_ = unix.Close(fd)
			continue
		}
		if _, err := d.addClient(fd, toTCPAddr(sa)); err != nil {
			d.log.Warn("failed to register client", "error", err)
			_ = unix.Close(fd)
		}
	}
}

func (d *Daemon) addClient(fd int, addr net.Addr) (*Conn, error) {
	if err := d.poller.AddSocket(fd, poller.Readable|poller.Error); err != nil {
		return nil, err
	}
	c := &Conn{fd: fd, addr: addr, state: ReceivingHeaders}
	d.clients[fd] = c
	d.accepted.Add(1)
	d.clientCount.Add(1)
	d.log.Debug("client connected", "fd", fd, "peer", addrString(addr))
	return c, nil
}

func (d *Daemon) closeClient(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	_ = d.poller.RemoveSocket(c.fd)
	_ = unix.Close(c.fd)
	delete(d.clients, c.fd)
	d.closed.Add(1)
	d.clientCount.Add(-1)
	d.log.Debug("client closed", "fd", c.fd, "state", c.state.String())
}

// readClient drains the socket until it would block or the connection is gone.
func (d *Daemon) readClient(c *Conn) {
	for !c.closed {
		n, err := unix.Read(c.fd, d.buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return
			}
			d.log.Warn("client read failed", "fd", c.fd, "error", err)
			d.closeClient(c)
			return
		}
		if n == 0 {
			d.closeClient(c)
			return
		}
		d.consume(c, d.buf[:n])
	}
}

// writeClient is where buffered responses would be flushed. Nothing is written yet.
func (d *Daemon) writeClient(c *Conn) {
	d.writeEvents.Add(1)
	d.log.Debug("write readiness ignored", "fd", c.fd, "state", c.state.String())
}

func (d *Daemon) consume(c *Conn, data []byte) {
	switch c.state {
	case ReceivingHeaders:
		c.buf = append(c.buf, data...)
		d.processHead(c)
	case ReceivingBody, ReceivingURLEncodedBody:
		d.receiveBody(c, data)
	case Responding:
		// A client must wait for the response; extra bytes are dropped.
	}
}

func (d *Daemon) processHead(c *Conn) {
	idx := bytes.Index(c.buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(c.buf) > maxHeaderBytes {
			d.reject(c, fmt.Errorf("%w: header block over %d bytes", ErrMalformedRequest, maxHeaderBytes))
		}
		return
	}
	head := c.buf[:idx+4]
	rest := c.buf[idx+4:]
	c.buf = nil

	req, err := ParseRequest(head)
	if err != nil {
		d.reject(c, err)
		return
	}
	req.RemoteAddr = c.addr
	state, err := nextState(req)
	if err != nil {
		d.reject(c, err)
		return
	}

	c.req = req
	c.state = state
	if d.cfg.Router != nil {
		c.handler = d.cfg.Router(req)
	}
	d.log.Debug("request", "fd", c.fd, "method", req.Method, "path", req.Path, "state", state.String())

	if state == Responding {
		d.serve(c)
		return
	}
	if len(rest) > 0 {
		d.receiveBody(c, rest)
	}
}

func (d *Daemon) receiveBody(c *Conn, data []byte) {
	if c.handler == nil {
		d.log.Debug("body without a handler", "fd", c.fd, "path", c.req.Path)
		d.closeClient(c)
		return
	}

	remaining := c.req.ContentLength - c.received
	if int64(len(data)) > remaining {
		data = data[:remaining]
	}
	c.received += int64(len(data))
	complete := c.received >= c.req.ContentLength

	if c.state == ReceivingURLEncodedBody {
		c.body = append(c.body, data...)
		if complete {
			c.req.Form = ParseURLEncoded(string(c.body))
			c.body = nil
		}
	} else if len(data) > 0 {
		c.handler.ReceiveBody(c, data)
		if d.closeIfRequested(c) {
			return
		}
	}

	if complete {
		c.state = Responding
		d.serve(c)
	}
}

func (d *Daemon) serve(c *Conn) {
	if c.handler != nil {
		c.handler.ServeRequest(c)
	}
	d.closeIfRequested(c)
}

func (d *Daemon) closeIfRequested(c *Conn) bool {
	if c.closing {
		d.closeClient(c)
	}
	return c.closed
}

func (d *Daemon) reject(c *Conn, err error) {
	d.malformed.Add(1)
	d.log.Debug("rejecting request", "fd", c.fd, "peer", addrString(c.addr), "error", err)
	d.closeClient(c)
}

func toTCPAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	}
	return nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
