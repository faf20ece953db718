package transfer

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/goceleris/transferd/internal/engine"
)

// JobStatus is a serializable snapshot of a Job.
type JobStatus struct {
	ID        uuid.UUID     `json:"id"`
	URL       string        `json:"url"`
	Method    string        `json:"method"`
	State     string        `json:"state"`
	Result    engine.Result `json:"result"`
	Status    int           `json:"status,omitempty"`
	Bytes     int64         `json:"bytes"`
	Uploaded  int64         `json:"uploaded,omitempty"`
	Speed     float64       `json:"speed"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithSpeedLimit caps download and upload rates in bytes per second. Zero means unlimited.
func WithSpeedLimit(down, up int) JobOption {
	return func(j *Job) {
		j.down = newLimiter(down)
		j.up = newLimiter(up)
	}
}

// WithUpload sends size bytes from r as the request body.
func WithUpload(method string, r io.Reader, size int64) JobOption {
	return func(j *Job) {
		j.method = method
		j.src = r
		j.uploadSize = size
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) JobOption {
	return func(j *Job) {
		j.header.Add(key, value)
	}
}

// WithID overrides the generated job ID.
func WithID(id uuid.UUID) JobOption {
	return func(j *Job) {
		j.id = id
	}
}

// WithOnComplete registers fn to run after the job finishes. fn runs on the
// multiplexer goroutine and should hand off slow work.
func WithOnComplete(fn func(*Job)) JobOption {
	return func(j *Job) {
		j.onComplete = append(j.onComplete, fn)
	}
}

// Job is the stock Handle: it streams the response body into an io.Writer and
// paces itself with token buckets.
type Job struct {
	id         uuid.UUID
	rawURL     string
	method     string
	header     http.Header
	dst        io.Writer
	src        io.Reader
	uploadSize int64
	onComplete []func(*Job)
	transfer   *engine.Transfer

	mu           sync.Mutex
	down, up     *rate.Limiter
	lastActivity time.Time
	nextRead     time.Time
	nextWrite    time.Time
	bytesDown    int64
	bytesUp      int64
	windowStart  time.Time
	windowBytes  int64
	speed        float64
	startedAt    time.Time
	endedAt      time.Time
	result       engine.Result
	finished     bool

	once sync.Once
	done chan struct{}
}

// NewJob prepares a download of rawURL into dst.
func NewJob(rawURL string, dst io.Writer, opts ...JobOption) (*Job, error) {
	j := &Job{
		id:     uuid.New(),
		rawURL: rawURL,
		method: http.MethodGet,
		header: make(http.Header),
		dst:    dst,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}

	t, err := engine.NewTransfer(j.method, rawURL)
	if err != nil {
		return nil, err
	}
	for k, v := range j.header {
		t.Header[k] = v
	}
	t.WriteFunc = j.writeBody
	if j.src != nil {
		t.UploadSize = j.uploadSize
		t.ReadFunc = j.readBody
	}
	j.transfer = t
	return j, nil
}

func (j *Job) ID() uuid.UUID              { return j.id }
func (j *Job) URL() string                { return j.rawURL }
func (j *Job) Transfer() *engine.Transfer { return j.transfer }

// Done is closed once the job has a result.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) (engine.Result, error) {
	select {
	case <-j.done:
		return j.Result(), nil
	case <-ctx.Done():
		return engine.Aborted, ctx.Err()
	}
}

// Result is the final result, or OK while the job is running.
func (j *Job) Result() engine.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Speed is the download rate in bytes per second over the last window.
func (j *Job) Speed() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.speed
}

// SetSpeedLimit changes the rate caps of a running job. Zero removes a cap.
func (j *Job) SetSpeedLimit(down, up int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.down = newLimiter(down)
	j.up = newLimiter(up)
	if j.down == nil {
		j.nextRead = time.Time{}
	}
	if j.up == nil {
		j.nextWrite = time.Time{}
	}
}

// Snapshot returns the job's current status.
func (j *Job) Snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := JobStatus{
		ID:        j.id,
		URL:       j.rawURL,
		Method:    j.method,
		State:     "running",
		Result:    j.result,
		Status:    int(j.transfer.StatusCode()),
		Bytes:     j.bytesDown,
		Uploaded:  j.bytesUp,
		Speed:     j.speed,
		StartedAt: j.startedAt,
	}
	if j.finished {
		st.State = "done"
		ended := j.endedAt
		st.EndedAt = &ended
	}
	return st
}

// ResetStatistics restarts the counters and speed window; AddTransfer calls it.
func (j *Job) ResetStatistics() {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	j.startedAt = now
	j.lastActivity = now
	j.windowStart = now
	j.windowBytes = 0
	j.bytesDown = 0
	j.bytesUp = 0
	j.speed = 0
	j.nextRead = time.Time{}
	j.nextWrite = time.Time{}
}

// LastActivity is when data last moved in either direction.
func (j *Job) LastActivity() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastActivity
}

// NextReadTime reports when paced reading may resume.
func (j *Job) NextReadTime() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextRead, !j.nextRead.IsZero()
}

// NextWriteTime reports when a paced upload may resume.
func (j *Job) NextWriteTime() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextWrite, !j.nextWrite.IsZero()
}

// PerformsLimiting reports whether either direction is rate limited.
func (j *Job) PerformsLimiting() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.down != nil || j.up != nil
}

// IdleHeartbeat rolls the speed window so a stalled job reports its real rate.
func (j *Job) IdleHeartbeat() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.roll(time.Now())
}

// Complete records the result. Only the first call has an effect.
func (j *Job) Complete(result engine.Result) {
	j.once.Do(func() {
		j.mu.Lock()
		j.result = result
		j.finished = true
		j.endedAt = time.Now()
		j.nextRead = time.Time{}
		j.nextWrite = time.Time{}
		j.roll(j.endedAt)
		j.mu.Unlock()

		close(j.done)
		for _, fn := range j.onComplete {
			fn(j)
		}
	})
}

func (j *Job) writeBody(p []byte) (int, error) {
	now := time.Now()

	j.mu.Lock()
	n := len(p)
	if j.down != nil {
		n = take(j.down, now, len(p))
		if n < len(p) {
			j.nextRead = now.Add(waitFor(j.down, now, len(p)-n))
		} else {
			j.nextRead = time.Time{}
		}
	}
	j.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	written, err := j.dst.Write(p[:n])

	j.mu.Lock()
	j.bytesDown += int64(written)
	j.windowBytes += int64(written)
	j.lastActivity = now
	j.roll(now)
	j.mu.Unlock()
	return written, err
}

func (j *Job) readBody(p []byte) (int, error) {
	now := time.Now()

	j.mu.Lock()
	n := len(p)
	if j.up != nil {
		n = take(j.up, now, len(p))
		if n < len(p) {
			j.nextWrite = now.Add(waitFor(j.up, now, len(p)-n))
		} else {
			j.nextWrite = time.Time{}
		}
	}
	j.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	read, err := j.src.Read(p[:n])

	j.mu.Lock()
	j.bytesUp += int64(read)
	if read > 0 {
		j.lastActivity = now
	}
	j.mu.Unlock()
	return read, err
}

// roll closes the speed window once it spans at least a second. Caller holds mu.
func (j *Job) roll(now time.Time) {
	elapsed := now.Sub(j.windowStart)
	if elapsed < time.Second {
		return
	}
	j.speed = float64(j.windowBytes) / elapsed.Seconds()
	j.windowStart = now
	j.windowBytes = 0
}

func newLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// take consumes up to want tokens and returns how many were granted.
func take(l *rate.Limiter, now time.Time, want int) int {
	n := min(int(l.TokensAt(now)), want, l.Burst())
	if n <= 0 || !l.AllowN(now, n) {
		return 0
	}
	return n
}

// waitFor is how long until need more tokens are available, at least a millisecond.
func waitFor(l *rate.Limiter, now time.Time, need int) time.Duration {
	need = min(need, l.Burst())
	missing := float64(need) - l.TokensAt(now)
	d := time.Duration(missing / float64(l.Limit()) * float64(time.Second))
	return max(d, time.Millisecond)
}
