// Package bench measures the transfer multiplexer by running many concurrent
// downloads of one URL and recording completion latency and throughput.
package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goceleris/transferd/internal/engine"
	"github.com/goceleris/transferd/internal/transfer"
)

// Submitter attaches and detaches transfers; *transfer.Multiplexer implements it.
type Submitter interface {
	AddTransfer(h transfer.Handle) error
	RemoveTransfer(h transfer.Handle) error
}

// Config holds benchmark configuration.
type Config struct {
	URL         string
	Transfers   int
	Concurrency int
	// DownLimit caps each transfer in bytes per second, 0 for unlimited.
	DownLimit int
}

// DefaultConfig returns sensible defaults for benchmarking.
func DefaultConfig() Config {
	return Config{
		Transfers:   100,
		Concurrency: 16,
	}
}

// Benchmarker runs one benchmark.
type Benchmarker struct {
	config Config
	mux    Submitter

	bytes     atomic.Int64
	latencies *LatencyRecorder

	mu      sync.Mutex
	results map[string]int
	errors  int
}

// New creates a Benchmarker submitting to mux.
func New(cfg Config, mux Submitter) *Benchmarker {
	if cfg.Transfers <= 0 {
		cfg.Transfers = DefaultConfig().Transfers
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	return &Benchmarker{
		config:    cfg,
		mux:       mux,
		latencies: NewLatencyRecorder(cfg.Transfers),
		results:   make(map[string]int),
	}
}

// Run starts cfg.Transfers downloads, at most cfg.Concurrency at a time, and waits
// for all of them. Transfers still running when ctx ends are removed and counted
// as aborted.
func (b *Benchmarker) Run(ctx context.Context) (*Result, error) {
	if b.config.URL == "" {
		return nil, errors.New("bench: URL is required")
	}

	slots := make(chan struct{}, b.config.Concurrency)
	var wg sync.WaitGroup
	var live sync.Map

	start := time.Now()
	var runErr error

submit:
	for i := 0; i < b.config.Transfers; i++ {
		select {
		case <-ctx.Done():
			break submit
		case slots <- struct{}{}:
		}

		issued := time.Now()
		job, err := transfer.NewJob(b.config.URL, &countingWriter{n: &b.bytes},
			transfer.WithSpeedLimit(b.config.DownLimit, 0),
			transfer.WithOnComplete(func(j *transfer.Job) {
				b.record(j.Result(), time.Since(issued))
				live.Delete(j)
				<-slots
				wg.Done()
			}),
		)
		if err != nil {
			<-slots
			runErr = fmt.Errorf("create job: %w", err)
			break
		}

		wg.Add(1)
		live.Store(job, struct{}{})
		if err := b.mux.AddTransfer(job); err != nil {
			live.Delete(job)
			wg.Done()
			<-slots
			runErr = fmt.Errorf("add transfer: %w", err)
			break
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		live.Range(func(k, _ any) bool {
			job := k.(*transfer.Job)
			// A job that already finished keeps its result.
			if err := b.mux.RemoveTransfer(job); errors.Is(err, transfer.ErrNotAttached) {
				return true
			}
			job.Complete(engine.Aborted)
			return true
		})
		<-done
	}

	elapsed := time.Since(start)
	return b.buildResult(elapsed), runErr
}

func (b *Benchmarker) record(r engine.Result, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.results[r.String()]++
	if r != engine.OK {
		b.errors++
		return
	}
	b.latencies.Record(latency)
}

func (b *Benchmarker) buildResult(elapsed time.Duration) *Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	completed := b.latencies.Count()
	bytesRead := b.bytes.Load()
	results := make(map[string]int, len(b.results))
	for k, v := range b.results {
		results[k] = v
	}

	return &Result{
		Transfers:       completed + b.errors,
		Errors:          b.errors,
		Bytes:           bytesRead,
		Duration:        elapsed,
		TransfersPerSec: float64(completed) / elapsed.Seconds(),
		ThroughputBPS:   float64(bytesRead) / elapsed.Seconds(),
		Latency:         b.latencies.Percentiles(),
		Results:         results,
	}
}

type countingWriter struct {
	n *atomic.Int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n.Add(int64(len(p)))
	return len(p), nil
}
