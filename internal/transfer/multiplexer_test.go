//go:build linux

package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/transferd/internal/engine"
	"github.com/goceleris/transferd/internal/poller"
)

// fakeEngine registers one socket per transfer on the first timeout tick and
// records every action it is given. All hooks run under the multiplexer lock.
type fakeEngine struct {
	socketFn engine.SocketFunc
	timerFn  engine.TimerFunc

	mu       sync.Mutex
	fds      map[*engine.Transfer]int
	attached map[*engine.Transfer]bool
	armed    map[*engine.Transfer]bool
	actions  []fakeAction
	messages []engine.Message
	finishOn map[*engine.Transfer]engine.Result
}

type fakeAction struct {
	fd   int
	mask engine.Mask
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		fds:      make(map[*engine.Transfer]int),
		attached: make(map[*engine.Transfer]bool),
		armed:    make(map[*engine.Transfer]bool),
		finishOn: make(map[*engine.Transfer]engine.Result),
	}
}

func (f *fakeEngine) SetSocketFunc(fn engine.SocketFunc) { f.socketFn = fn }
func (f *fakeEngine) SetTimerFunc(fn engine.TimerFunc)   { f.timerFn = fn }

func (f *fakeEngine) Add(t *engine.Transfer) error {
	f.mu.Lock()
	f.attached[t] = true
	f.mu.Unlock()
	f.timerFn(0)
	return nil
}

func (f *fakeEngine) Remove(t *engine.Transfer) error {
	f.mu.Lock()
	fd, ok := f.fds[t]
	delete(f.attached, t)
	f.mu.Unlock()
	if ok {
		f.socketFn(t, fd, engine.PollRemove)
	}
	return nil
}

func (f *fakeEngine) SocketAction(fd int, mask engine.Mask) error {
	f.mu.Lock()
	f.actions = append(f.actions, fakeAction{fd: fd, mask: mask})
	var register []*engine.Transfer
	if fd == engine.SocketTimeout {
		for t := range f.attached {
			if r, ok := f.finishOn[t]; ok {
				f.messages = append(f.messages, engine.Message{Transfer: t, Result: r})
				delete(f.finishOn, t)
				continue
			}
			if _, ok := f.fds[t]; ok && !f.armed[t] {
				f.armed[t] = true
				register = append(register, t)
			}
		}
	}
	f.mu.Unlock()

	for _, t := range register {
		f.mu.Lock()
		fd, ok := f.fds[t]
		f.mu.Unlock()
		if ok {
			f.socketFn(t, fd, engine.PollIn)
		}
	}
	if fd == engine.SocketTimeout {
		f.timerFn(-1)
	}
	return nil
}

func (f *fakeEngine) InfoRead() (engine.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		if f.attached[msg.Transfer] {
			return msg, true
		}
	}
	return engine.Message{}, false
}

func (f *fakeEngine) Close() {}

// bind gives t a socket to report once the loop ticks.
func (f *fakeEngine) bind(t *engine.Transfer, fd int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fds[t] = fd
}

func (f *fakeEngine) finish(t *engine.Transfer, r engine.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishOn[t] = r
}

// finishAll queues results for every transfer at once, so one tick reports them together.
func (f *fakeEngine) finishAll(r engine.Result, ts ...*engine.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range ts {
		f.finishOn[t] = r
	}
}

func (f *fakeEngine) actionsOn(fd int) []engine.Mask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.Mask
	for _, a := range f.actions {
		if a.fd == fd {
			out = append(out, a.mask)
		}
	}
	return out
}

// fakeHandle is a scriptable Handle.
type fakeHandle struct {
	t *engine.Transfer

	mu           sync.Mutex
	lastActivity time.Time
	stale        bool
	nextRead     time.Time
	limiting     bool
	heartbeats   int
	results      []engine.Result
	onComplete   func(engine.Result)
}

func newFakeHandle(t *testing.T) *fakeHandle {
	t.Helper()
	tr, err := engine.NewTransfer(http.MethodGet, "http://127.0.0.1/")
	if err != nil {
		t.Fatalf("NewTransfer failed: %v", err)
	}
	return &fakeHandle{t: tr}
}

func (h *fakeHandle) Transfer() *engine.Transfer { return h.t }

func (h *fakeHandle) ResetStatistics() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()
	if h.stale {
		h.lastActivity = h.lastActivity.Add(-time.Hour)
	}
}

func (h *fakeHandle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

func (h *fakeHandle) NextReadTime() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextRead, !h.nextRead.IsZero()
}

func (h *fakeHandle) NextWriteTime() (time.Time, bool) { return time.Time{}, false }

func (h *fakeHandle) PerformsLimiting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.limiting
}

func (h *fakeHandle) IdleHeartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats++
}

func (h *fakeHandle) Complete(r engine.Result) {
	h.mu.Lock()
	h.results = append(h.results, r)
	fn := h.onComplete
	h.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (h *fakeHandle) completions() []engine.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]engine.Result(nil), h.results...)
}

// recordingPoller remembers the last flags each descriptor was registered with.
type recordingPoller struct {
	poller.Poller

	mu    sync.Mutex
	flags map[int]poller.Flags
}

func (p *recordingPoller) AddSocket(fd int, flags poller.Flags) error {
	p.mu.Lock()
	p.flags[fd] = flags
	p.mu.Unlock()
	return p.Poller.AddSocket(fd, flags)
}

func (p *recordingPoller) last(fd int) (poller.Flags, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.flags[fd]
	return f, ok
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxWait = 20 * time.Millisecond
	opts.IdleTimeout = 300 * time.Millisecond
	opts.HeartbeatAfter = 50 * time.Millisecond
	return opts
}

func startFake(t *testing.T, opts Options) (*Multiplexer, *fakeEngine, *recordingPoller) {
	t.Helper()
	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New failed: %v", err)
	}
	rp := &recordingPoller{Poller: p, flags: make(map[int]poller.Flags)}
	fe := newFakeEngine()
	m, err := New(fe, rp, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, fe, rp
}

func eventually(t *testing.T, within time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	stop := time.Now().Add(within)
	for time.Now().Before(stop) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func TestIdleTransferTimesOutOnce(t *testing.T) {
	m, fe, _ := startFake(t, testOptions())
	a, _ := socketPair(t)

	h := newFakeHandle(t)
	fe.bind(h.t, a)
	if err := m.AddTransfer(h); err != nil {
		t.Fatalf("AddTransfer failed: %v", err)
	}

	eventually(t, 2*time.Second, func() bool { return len(h.completions()) > 0 },
		"transfer was never timed out")
	time.Sleep(100 * time.Millisecond)

	got := h.completions()
	if len(got) != 1 || got[0] != engine.OperationTimedOut {
		t.Fatalf("expected exactly one OperationTimedOut, got %v", got)
	}
	st := m.Stats()
	if st.Active != 0 || st.Sockets != 0 {
		t.Errorf("expected no active transfers or sockets, got %+v", st)
	}
	if st.TimedOut != 1 {
		t.Errorf("expected TimedOut=1, got %d", st.TimedOut)
	}
	h.mu.Lock()
	beats := h.heartbeats
	h.mu.Unlock()
	if beats == 0 {
		t.Error("expected heartbeats before the timeout")
	}
}

func TestStaleActivityTimesOutImmediately(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 10 * time.Second
	m, fe, _ := startFake(t, opts)
	a, _ := socketPair(t)

	h := newFakeHandle(t)
	h.stale = true
	fe.bind(h.t, a)
	if err := m.AddTransfer(h); err != nil {
		t.Fatalf("AddTransfer failed: %v", err)
	}
	eventually(t, time.Second, func() bool { return len(h.completions()) == 1 },
		"stale transfer was not timed out")
	if got := h.completions()[0]; got != engine.OperationTimedOut {
		t.Errorf("expected OperationTimedOut, got %v", got)
	}
}

func TestAddThenRemoveDeliversNothing(t *testing.T) {
	m, fe, _ := startFake(t, testOptions())
	a, _ := socketPair(t)

	h := newFakeHandle(t)
	fe.bind(h.t, a)
	if err := m.AddTransfer(h); err != nil {
		t.Fatalf("AddTransfer failed: %v", err)
	}
	if err := m.RemoveTransfer(h); err != nil {
		t.Fatalf("RemoveTransfer failed: %v", err)
	}
	if err := m.RemoveTransfer(h); !errors.Is(err, ErrNotAttached) {
		t.Errorf("expected ErrNotAttached on second RemoveTransfer, got %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if got := h.completions(); len(got) != 0 {
		t.Errorf("removed handle received completions %v", got)
	}
	if st := m.Stats(); st.Active != 0 || st.Sockets != 0 {
		t.Errorf("expected an empty multiplexer, got %+v", st)
	}
}

func TestAddTransferTwice(t *testing.T) {
	m, _, _ := startFake(t, testOptions())
	h := newFakeHandle(t)
	if err := m.AddTransfer(h); err != nil {
		t.Fatalf("AddTransfer failed: %v", err)
	}
	if err := m.AddTransfer(h); err != ErrAlreadyAdded {
		t.Errorf("expected ErrAlreadyAdded, got %v", err)
	}
}

func TestEngineCompletionRemovesHandle(t *testing.T) {
	opts := testOptions()
	opts.MaxWait = 2 * time.Second
	m, fe, _ := startFake(t, opts)

	h := newFakeHandle(t)
	fe.finish(h.t, engine.OK)

	// Removing from inside Complete must not deadlock.
	removed := make(chan error, 1)
	h.onComplete = func(engine.Result) { removed <- m.RemoveTransfer(h) }

	start := time.Now()
	if err := m.AddTransfer(h); err != nil {
		t.Fatalf("AddTransfer failed: %v", err)
	}
	select {
	case err := <-removed:
		if !errors.Is(err, ErrNotAttached) {
			t.Errorf("expected ErrNotAttached removing a completed handle, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("completion was not delivered")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("adding did not wake the loop: took %v", elapsed)
	}
	if got := h.completions(); len(got) != 1 || got[0] != engine.OK {
		t.Errorf("expected one OK completion, got %v", got)
	}
	if st := m.Stats(); st.Active != 0 || st.Completed != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRemoveDuringDeliveryReportsNotAttached(t *testing.T) {
	m, fe, _ := startFake(t, testOptions())

	first, second := newFakeHandle(t), newFakeHandle(t)
	handles := map[*fakeHandle]*fakeHandle{first: second, second: first}

	// Whichever handle is delivered first blocks the loop until released.
	blocked := make(chan *fakeHandle, 1)
	release := make(chan struct{})
	var once sync.Once
	for _, h := range []*fakeHandle{first, second} {
		h.onComplete = func(engine.Result) {
			once.Do(func() {
				blocked <- h
				<-release
			})
		}
		if err := m.AddTransfer(h); err != nil {
			t.Fatalf("AddTransfer failed: %v", err)
		}
	}
	fe.finishAll(engine.OK, first.t, second.t)

	var delivered *fakeHandle
	select {
	case delivered = <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("no completion was delivered")
	}
	pending := handles[delivered]

	err := m.RemoveTransfer(pending)
	before := len(pending.completions())
	close(release)

	if !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached for a finished handle, got %v", err)
	}
	if before != 0 {
		t.Fatalf("completion delivered before the loop was released: %v", pending.completions())
	}
	eventually(t, time.Second, func() bool { return len(pending.completions()) == 1 },
		"finished handle never received its completion")
	if got := pending.completions(); got[0] != engine.OK {
		t.Errorf("expected OK, got %v", got)
	}
	if st := m.Stats(); st.Completed != 2 || st.Active != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestPacingForcesReadAction(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 10 * time.Second
	m, fe, rp := startFake(t, opts)
	a, _ := socketPair(t)

	h := newFakeHandle(t)
	h.limiting = true
	fe.bind(h.t, a)
	if err := m.AddTransfer(h); err != nil {
		t.Fatalf("AddTransfer failed: %v", err)
	}
	eventually(t, time.Second, func() bool { return m.Stats().Sockets == 1 },
		"socket was never registered")

	h.mu.Lock()
	h.nextRead = time.Now().Add(100 * time.Millisecond)
	h.mu.Unlock()

	// The peer never writes, so a readable action can only come from pacing.
	eventually(t, time.Second, func() bool {
		for _, mask := range fe.actionsOn(a) {
			if mask&engine.CSelectIn != 0 {
				return true
			}
		}
		return false
	}, "paced read action was never forced")

	flags, ok := rp.last(a)
	if !ok || flags&poller.OneShot == 0 {
		t.Errorf("expected a limiting socket to be armed one-shot, got %v", flags)
	}
}

func TestUnlimitedSocketRearmedLevelTriggered(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 10 * time.Second
	m, fe, rp := startFake(t, opts)
	a, _ := socketPair(t)

	h := newFakeHandle(t)
	fe.bind(h.t, a)
	if err := m.AddTransfer(h); err != nil {
		t.Fatalf("AddTransfer failed: %v", err)
	}
	eventually(t, time.Second, func() bool {
		f, ok := rp.last(a)
		return ok && f&poller.OneShot == 0 && f&poller.Readable != 0
	}, "socket was not re-armed without one-shot")

	if st := m.Stats(); st.Sockets != 1 {
		t.Errorf("expected one socket, got %+v", st)
	}
}

func TestSocketIntentsBufferedDuringDispatch(t *testing.T) {
	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New failed: %v", err)
	}
	fe := newFakeEngine()
	m, err := New(fe, p, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = m.Close() }()

	a, _ := socketPair(t)
	b, _ := socketPair(t)
	h := newFakeHandle(t)
	if err := m.AddTransfer(h); err != nil {
		t.Fatalf("AddTransfer failed: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.socketCallback(h.t, a, engine.PollIn)
	if _, ok := m.sockets[a]; !ok {
		t.Fatal("outside dispatch a socket must be registered directly")
	}

	m.dispatching = true
	m.socketCallback(h.t, a, engine.PollRemove)
	m.socketCallback(h.t, b, engine.PollOut)
	if _, ok := m.sockets[a]; !ok {
		t.Error("removal during dispatch mutated the active table")
	}
	if _, ok := m.sockets[b]; ok {
		t.Error("addition during dispatch mutated the active table")
	}
	if _, ok := m.pendingRemove[a]; !ok {
		t.Error("expected a pending removal")
	}

	// A re-add of a descriptor cancels its pending removal.
	m.socketCallback(h.t, a, engine.PollIn)
	if _, ok := m.pendingRemove[a]; ok {
		t.Error("descriptor is pending removal and addition at once")
	}
	m.socketCallback(h.t, a, engine.PollRemove)
	if _, ok := m.pendingAdd[a]; ok {
		t.Error("descriptor is pending addition and removal at once")
	}

	m.reconcile()
	if m.dispatching {
		t.Error("reconcile must end the dispatch")
	}
	if _, ok := m.sockets[a]; ok {
		t.Error("pending removal was not applied")
	}
	if e, ok := m.sockets[b]; !ok || e.flags&poller.Writable == 0 {
		t.Error("pending addition was not applied")
	}
	if len(m.pendingAdd) != 0 || len(m.pendingRemove) != 0 {
		t.Error("pending tables not cleared")
	}
}

func TestClosedMultiplexer(t *testing.T) {
	m, _, _ := startFake(t, testOptions())
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if err := m.AddTransfer(newFakeHandle(t)); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func startReal(t *testing.T) *Multiplexer {
	t.Helper()
	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New failed: %v", err)
	}
	opts := DefaultOptions()
	opts.MaxWait = 50 * time.Millisecond
	m, err := New(engine.NewMulti(), p, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestJobsDownloadConcurrently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := strings.Repeat(r.URL.Path, 2000)
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	m := startReal(t)

	const n = 8
	jobs := make([]*Job, n)
	bufs := make([]*bytes.Buffer, n)
	for i := range jobs {
		bufs[i] = new(bytes.Buffer)
		j, err := NewJob(fmt.Sprintf("%s/f%d", srv.URL, i), bufs[i])
		if err != nil {
			t.Fatalf("NewJob failed: %v", err)
		}
		jobs[i] = j
		if err := m.AddTransfer(j); err != nil {
			t.Fatalf("AddTransfer failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, j := range jobs {
		res, err := j.Wait(ctx)
		if err != nil {
			t.Fatalf("job %d did not finish: %v", i, err)
		}
		if res != engine.OK {
			t.Errorf("job %d: expected OK, got %v", i, res)
		}
		expected := strings.Repeat(fmt.Sprintf("/f%d", i), 2000)
		if bufs[i].String() != expected {
			t.Errorf("job %d: body mismatch (%d bytes)", i, bufs[i].Len())
		}
		if st := j.Snapshot(); st.State != "done" || st.Status != http.StatusOK {
			t.Errorf("job %d: unexpected snapshot %+v", i, st)
		}
	}
	if st := m.Stats(); st.Active != 0 || st.Completed != n {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRateLimitedJob(t *testing.T) {
	const size = 30000
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(size))
		_, _ = w.Write(bytes.Repeat([]byte("x"), size))
	}))
	defer srv.Close()

	m := startReal(t)

	var got bytes.Buffer
	j, err := NewJob(srv.URL, &got, WithSpeedLimit(20000, 0))
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	start := time.Now()
	if err := m.AddTransfer(j); err != nil {
		t.Fatalf("AddTransfer failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := j.Wait(ctx)
	if err != nil {
		t.Fatalf("job did not finish: %v", err)
	}
	if res != engine.OK {
		t.Fatalf("expected OK, got %v", res)
	}
	if got.Len() != size {
		t.Errorf("expected %d bytes, got %d", size, got.Len())
	}
	// One second of burst, then 10000 bytes at 20000 B/s.
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("limit not enforced: finished in %v", elapsed)
	}
}

func TestJobToClosedPort(t *testing.T) {
	m := startReal(t)

	j, err := NewJob("http://127.0.0.1:1/", io.Discard)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	if err := m.AddTransfer(j); err != nil {
		t.Fatalf("AddTransfer failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := j.Wait(ctx)
	if err != nil {
		t.Fatalf("job did not finish: %v", err)
	}
	if res != engine.CouldntConnect {
		t.Errorf("expected CouldntConnect, got %v", res)
	}
}
