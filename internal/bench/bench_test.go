package bench

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goceleris/transferd/internal/engine"
	"github.com/goceleris/transferd/internal/transfer"
)

// instantSubmitter finishes every job shortly after it is added.
type instantSubmitter struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	result   func(i int) engine.Result
	added    atomic.Int64
	hold     bool
}

func (s *instantSubmitter) AddTransfer(h transfer.Handle) error {
	i := int(s.added.Add(1))
	s.mu.Lock()
	s.inFlight++
	s.peak = max(s.peak, s.inFlight)
	s.mu.Unlock()

	if s.hold {
		return nil
	}
	go func() {
		time.Sleep(time.Millisecond)
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
		r := engine.OK
		if s.result != nil {
			r = s.result(i)
		}
		h.Complete(r)
	}()
	return nil
}

func (s *instantSubmitter) RemoveTransfer(transfer.Handle) error { return nil }

func TestRunCountsResults(t *testing.T) {
	sub := &instantSubmitter{result: func(i int) engine.Result {
		if i%5 == 0 {
			return engine.CouldntConnect
		}
		return engine.OK
	}}
	b := New(Config{URL: "http://127.0.0.1:1/", Transfers: 20, Concurrency: 4}, sub)

	res, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Transfers != 20 || res.Errors != 4 {
		t.Errorf("expected 20 transfers with 4 errors, got %d/%d", res.Transfers, res.Errors)
	}
	if res.Results["ok"] != 16 || res.Results["couldnt_connect"] != 4 {
		t.Errorf("unexpected result counts %v", res.Results)
	}
	if sub.peak > 4 {
		t.Errorf("concurrency limit exceeded: %d in flight", sub.peak)
	}
	if res.Latency.P50 <= 0 {
		t.Errorf("expected positive latencies, got %+v", res.Latency)
	}
}

func TestRunAbortsOnContext(t *testing.T) {
	sub := &instantSubmitter{hold: true}
	b := New(Config{URL: "http://127.0.0.1:1/", Transfers: 10, Concurrency: 3}, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := b.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Results["aborted"] != 3 {
		t.Errorf("expected the 3 in-flight transfers aborted, got %v", res.Results)
	}
}

func TestRunRequiresURL(t *testing.T) {
	if _, err := New(Config{}, &instantSubmitter{}).Run(context.Background()); err == nil {
		t.Error("expected an error without URL")
	}
}

type failingSubmitter struct{ instantSubmitter }

var errFull = errors.New("full")

func (f *failingSubmitter) AddTransfer(transfer.Handle) error { return errFull }

func TestRunReportsSubmitError(t *testing.T) {
	b := New(Config{URL: "http://127.0.0.1:1/", Transfers: 3}, &failingSubmitter{})
	if _, err := b.Run(context.Background()); !errors.Is(err, errFull) {
		t.Errorf("expected errFull, got %v", err)
	}
}

func TestLatencyPercentiles(t *testing.T) {
	r := NewLatencyRecorder(100)
	if p := r.Percentiles(); p != (Percentiles{}) {
		t.Errorf("expected zero percentiles when empty, got %+v", p)
	}
	for i := 100; i >= 1; i-- {
		r.Record(time.Duration(i) * time.Millisecond)
	}
	p := r.Percentiles()
	if p.Min != time.Millisecond || p.Max != 100*time.Millisecond {
		t.Errorf("unexpected min/max %v/%v", p.Min, p.Max)
	}
	if p.P50 != 51*time.Millisecond || p.P99 != 100*time.Millisecond {
		t.Errorf("unexpected percentiles %+v", p)
	}
	if p.Avg != 50500*time.Microsecond {
		t.Errorf("expected avg 50.5ms, got %v", p.Avg)
	}
}

func TestOutputSummary(t *testing.T) {
	cfg := Config{URL: "http://x/", Transfers: 2, Concurrency: 1}
	out := NewOutput(cfg, &Result{Bytes: 3 * 1024 * 1024, ThroughputBPS: 2048})
	if out.Summary.Transferred != "3.0 MiB" || out.Summary.Throughput != "2.0 KiB/s" {
		t.Errorf("unexpected summary %+v", out.Summary)
	}
	if _, err := out.ToJSON(); err != nil {
		t.Errorf("ToJSON failed: %v", err)
	}
}
