//go:build unix

package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goceleris/transferd/internal/engine"
	"github.com/goceleris/transferd/internal/poller"
)

// Options tunes the reactor loop.
type Options struct {
	// MaxWait caps a single poller wait and the engine's requested timer.
	MaxWait time.Duration
	// IdleTimeout evicts a transfer whose sockets saw no data for this long.
	IdleTimeout time.Duration
	// HeartbeatAfter is the idle time after which Handle.IdleHeartbeat is called.
	HeartbeatAfter time.Duration
	// MaxEvents is the poller batch size.
	MaxEvents int
	Logger    *slog.Logger
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		MaxWait:        500 * time.Millisecond,
		IdleTimeout:    20 * time.Second,
		HeartbeatAfter: time.Second,
		MaxEvents:      64,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.MaxWait <= 0 {
		o.MaxWait = d.MaxWait
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.HeartbeatAfter <= 0 {
		o.HeartbeatAfter = d.HeartbeatAfter
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = d.MaxEvents
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats is a point-in-time view of the multiplexer.
type Stats struct {
	Active     int    `json:"active"`
	Sockets    int    `json:"sockets"`
	Iterations uint64 `json:"iterations"`
	TimedOut   uint64 `json:"timed_out"`
	Completed  uint64 `json:"completed"`
}

type socketEntry struct {
	flags  poller.Flags
	handle Handle
}

type completion struct {
	handle Handle
	result engine.Result
}

// Multiplexer runs one reactor goroutine for all attached transfers.
type Multiplexer struct {
	mu     sync.Mutex
	engine Engine
	poller poller.Poller
	opts   Options
	log    *slog.Logger
	wake   *wakePipe

	users   map[*engine.Transfer]Handle
	sockets map[int]*socketEntry

	// Socket intents raised while the loop walks sockets are parked here and
	// applied once the walk is over. A descriptor is never in both maps.
	dispatching   bool
	pendingAdd    map[int]*socketEntry
	pendingRemove map[int]struct{}

	engineTimeout  time.Duration
	engineDeadline time.Time

	iterations uint64
	timedOut   uint64
	completed  uint64
	closed     bool

	abort     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New wires engine and p together and starts the loop.
func New(e Engine, p poller.Poller, opts Options) (*Multiplexer, error) {
	opts.setDefaults()

	wake, err := newWakePipe()
	if err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	if err := p.AddSocket(wake.r, poller.Readable); err != nil {
		wake.close()
		return nil, fmt.Errorf("register wake pipe: %w", err)
	}

	m := &Multiplexer{
		engine:        e,
		poller:        p,
		opts:          opts,
		log:           opts.Logger.With("component", "multiplexer"),
		wake:          wake,
		users:         make(map[*engine.Transfer]Handle),
		sockets:       make(map[int]*socketEntry),
		pendingAdd:    make(map[int]*socketEntry),
		pendingRemove: make(map[int]struct{}),
		engineTimeout: -1,
		done:          make(chan struct{}),
	}
	e.SetSocketFunc(m.socketCallback)
	e.SetTimerFunc(m.timerCallback)
	go m.run()
	return m, nil
}

// AddTransfer resets h's statistics and attaches its transfer to the engine.
// It may be called from any goroutine, including from Handle.Complete.
func (m *Multiplexer) AddTransfer(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	t := h.Transfer()
	if _, ok := m.users[t]; ok {
		return ErrAlreadyAdded
	}

	h.ResetStatistics()
	m.users[t] = h
	if err := m.engine.Add(t); err != nil {
		delete(m.users, t)
		return fmt.Errorf("engine add: %w", err)
	}
	m.log.Debug("transfer added", "active", len(m.users))
	m.wake.signal()
	return nil
}

// RemoveTransfer detaches h. A nil return means h was attached and will never see
// Complete; the caller now owns its outcome. ErrNotAttached means h is not attached,
// and if it had finished, its Complete is delivered regardless. After Close every
// handle counts as detached and nil is returned.
func (m *Multiplexer) RemoveTransfer(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if !m.owns(h) {
		return ErrNotAttached
	}
	if err := m.detach(h); err != nil {
		return err
	}
	m.log.Debug("transfer removed", "active", len(m.users))
	return nil
}

// Stats returns current counters.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:     len(m.users),
		Sockets:    len(m.sockets),
		Iterations: m.iterations,
		TimedOut:   m.timedOut,
		Completed:  m.completed,
	}
}

// Close stops the loop, waits for it to exit and releases the engine and poller.
// Handles still attached are dropped without a Complete callback.
func (m *Multiplexer) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.abort.Store(true)
		m.wake.signal()
		<-m.done

		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		m.engine.Close()
		clear(m.users)
		clear(m.sockets)
		err = m.poller.Close()
		m.wake.close()
	})
	return err
}

func (m *Multiplexer) owns(h Handle) bool {
	cur, ok := m.users[h.Transfer()]
	return ok && cur == h
}

// detach drops h from the engine and from every socket table. Caller holds mu.
func (m *Multiplexer) detach(h Handle) error {
	t := h.Transfer()
	delete(m.users, t)
	err := m.engine.Remove(t)

	for fd, e := range m.sockets {
		if e.handle == h {
			m.dropSocket(fd)
		}
	}
	for fd, e := range m.pendingAdd {
		if e.handle == h {
			delete(m.pendingAdd, fd)
			_ = m.poller.RemoveSocket(fd)
		}
	}
	if err != nil {
		return fmt.Errorf("engine remove: %w", err)
	}
	return nil
}

func (m *Multiplexer) dropSocket(fd int) {
	if err := m.poller.RemoveSocket(fd); err != nil && !errors.Is(err, poller.ErrClosed) {
		m.log.Warn("failed to remove socket", "fd", fd, "error", err)
	}
	if m.dispatching {
		delete(m.pendingAdd, fd)
		m.pendingRemove[fd] = struct{}{}
		return
	}
	delete(m.sockets, fd)
}

// socketCallback is invoked by the engine with mu held.
func (m *Multiplexer) socketCallback(t *engine.Transfer, fd int, action engine.Action) {
	m.log.Debug("socket callback", "fd", fd, "action", action.String())

	if action == engine.PollRemove {
		m.dropSocket(fd)
		return
	}

	h, ok := m.users[t]
	if !ok {
		m.log.Warn("socket callback for unknown transfer", "fd", fd)
		return
	}

	flags := poller.OneShot | poller.Error | poller.HangUp
	switch action {
	case engine.PollIn:
		flags |= poller.Readable
	case engine.PollOut:
		flags |= poller.Writable
	case engine.PollInOut:
		flags |= poller.Readable | poller.Writable
	}

	entry := &socketEntry{flags: flags, handle: h}
	if m.dispatching {
		delete(m.pendingRemove, fd)
		m.pendingAdd[fd] = entry
	} else {
		m.sockets[fd] = entry
	}
	if err := m.poller.AddSocket(fd, flags); err != nil {
		m.log.Warn("failed to register socket", "fd", fd, "flags", flags.String(), "error", err)
	}
}

// timerCallback is invoked by the engine with mu held.
func (m *Multiplexer) timerCallback(d time.Duration) {
	m.engineTimeout = d
	if d < 0 {
		m.engineDeadline = time.Time{}
		return
	}
	m.engineDeadline = time.Now().Add(d)
}

func (m *Multiplexer) run() {
	defer close(m.done)

	events := make([]poller.Event, m.opts.MaxEvents)
	timeout := time.Duration(0)
	for !m.abort.Load() {
		n, err := m.poller.Wait(timeout, events)
		if err != nil {
			if errors.Is(err, poller.ErrClosed) {
				return
			}
			m.log.Error("poller wait failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			n = 0
		}
		if m.abort.Load() {
			return
		}

		var completions []completion
		timeout, completions = m.iterate(events[:n])
		for _, c := range completions {
			c.handle.Complete(c.result)
		}
	}
}

// iterate runs one loop pass and returns the next wait timeout plus the completions
// to deliver once the lock is released.
func (m *Multiplexer) iterate(events []poller.Event) (time.Duration, []completion) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dispatching = true
	m.iterations++

	m.dispatch(events)

	now := time.Now()
	timeout := m.opts.MaxWait
	if m.engineTimeout >= 0 && m.engineTimeout < timeout {
		timeout = m.engineTimeout
	}

	expired := m.scanSockets(now)
	timeout = m.rearm(now, timeout, expired)
	completions := m.drainCompletions()

	for _, h := range expired {
		if !m.owns(h) {
			continue
		}
		m.log.Info("transfer timed out", "idle", now.Sub(h.LastActivity()).Round(time.Millisecond))
		if err := m.detach(h); err != nil {
			m.log.Warn("failed to detach timed out transfer", "error", err)
		}
		m.timedOut++
		completions = append(completions, completion{handle: h, result: engine.OperationTimedOut})
	}

	m.reconcile()
	return timeout, completions
}

// dispatch feeds readiness to the engine, or a timeout tick when nothing was ready
// or the engine's own deadline has passed.
func (m *Multiplexer) dispatch(events []poller.Event) {
	ready := 0
	for _, ev := range events {
		if ev.Fd == m.wake.r {
			m.wake.drain()
			continue
		}
		ready++
		if err := m.engine.SocketAction(ev.Fd, toMask(ev.Flags)); err != nil {
			m.log.Warn("socket action failed", "fd", ev.Fd, "error", err)
		}
	}

	due := !m.engineDeadline.IsZero() && !time.Now().Before(m.engineDeadline)
	if ready == 0 || due {
		if err := m.engine.SocketAction(engine.SocketTimeout, 0); err != nil {
			m.log.Warn("timeout action failed", "error", err)
		}
	}
}

// scanSockets collects idle transfers, sends heartbeats and forces actions on
// sockets whose pacing deadline has passed.
func (m *Multiplexer) scanSockets(now time.Time) []Handle {
	var expired []Handle
	seen := make(map[Handle]bool)

	for fd, e := range m.sockets {
		h := e.handle
		if _, removing := m.pendingRemove[fd]; removing || !m.owns(h) {
			continue
		}
		if done, ok := seen[h]; ok && done {
			continue
		}

		idle := now.Sub(h.LastActivity())
		if idle > m.opts.IdleTimeout {
			seen[h] = true
			expired = append(expired, h)
			continue
		}
		if _, ok := seen[h]; !ok {
			seen[h] = false
			if idle > m.opts.HeartbeatAfter {
				h.IdleHeartbeat()
			}
		}

		var mask engine.Mask
		if at, ok := h.NextReadTime(); ok && !at.After(now) {
			mask |= engine.CSelectIn
		}
		if at, ok := h.NextWriteTime(); ok && !at.After(now) {
			mask |= engine.CSelectOut
		}
		if mask != 0 {
			if err := m.engine.SocketAction(fd, mask); err != nil {
				m.log.Warn("paced socket action failed", "fd", fd, "error", err)
			}
		}
	}
	return expired
}

// rearm folds future pacing deadlines into the wait timeout and re-registers the
// remaining sockets, one-shot only for transfers that pace themselves.
func (m *Multiplexer) rearm(now time.Time, timeout time.Duration, expired []Handle) time.Duration {
	for fd, e := range m.sockets {
		h := e.handle
		if !m.owns(h) || slices.Contains(expired, h) {
			continue
		}
		if _, removing := m.pendingRemove[fd]; removing {
			continue
		}
		if _, replaced := m.pendingAdd[fd]; replaced {
			continue
		}

		if wait, ok := nextDeadline(h, now); ok {
			timeout = min(timeout, wait)
			continue
		}

		flags := e.flags &^ poller.OneShot
		if h.PerformsLimiting() {
			flags |= poller.OneShot
		}
		e.flags = flags
		if err := m.poller.AddSocket(fd, flags); err != nil {
			m.log.Warn("failed to re-arm socket", "fd", fd, "error", err)
		}
	}
	return timeout
}

func (m *Multiplexer) drainCompletions() []completion {
	var out []completion
	for {
		msg, ok := m.engine.InfoRead()
		if !ok {
			return out
		}
		h, ok := m.users[msg.Transfer]
		if !ok {
			continue
		}
		if err := m.detach(h); err != nil {
			m.log.Warn("failed to detach finished transfer", "error", err)
		}
		m.completed++
		m.log.Debug("transfer finished", "result", msg.Result.String())
		out = append(out, completion{handle: h, result: msg.Result})
	}
}

// reconcile applies parked removals, then parked additions.
func (m *Multiplexer) reconcile() {
	for fd := range m.pendingRemove {
		delete(m.sockets, fd)
	}
	for fd, e := range m.pendingAdd {
		if m.owns(e.handle) {
			m.sockets[fd] = e
		}
	}
	clear(m.pendingRemove)
	clear(m.pendingAdd)
	m.dispatching = false
}

// nextDeadline returns the time until the earliest future pacing deadline of h.
func nextDeadline(h Handle, now time.Time) (time.Duration, bool) {
	var wait time.Duration
	found := false
	for _, next := range []func() (time.Time, bool){h.NextReadTime, h.NextWriteTime} {
		at, ok := next()
		if !ok {
			continue
		}
		if d := at.Sub(now); d > 0 && (!found || d < wait) {
			wait, found = d, true
		}
	}
	return wait, found
}

func toMask(f poller.Flags) engine.Mask {
	var mask engine.Mask
	if f&poller.Readable != 0 {
		mask |= engine.CSelectIn
	}
	if f&poller.Writable != 0 {
		mask |= engine.CSelectOut
	}
	if f&(poller.Error|poller.HangUp) != 0 {
		mask |= engine.CSelectErr
	}
	return mask
}
