//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goceleris/transferd/internal/bench"
	"github.com/goceleris/transferd/internal/engine"
	"github.com/goceleris/transferd/internal/poller"
	"github.com/goceleris/transferd/internal/retry"
	"github.com/goceleris/transferd/internal/transfer"
)

// transientResults are worth another attempt.
var transientResults = []engine.Result{
	engine.CouldntResolveHost,
	engine.CouldntConnect,
	engine.SendError,
	engine.RecvError,
	engine.PartialFile,
	engine.OperationTimedOut,
}

// download is the per-URL line of the JSON report.
type download struct {
	URL      string        `json:"url"`
	File     string        `json:"file,omitempty"`
	Result   engine.Result `json:"result"`
	Status   int           `json:"status,omitempty"`
	Bytes    int64         `json:"bytes"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

func run(ctx context.Context, opts options, urls []string, logger *slog.Logger) (any, bool, error) {
	p, err := poller.New()
	if err != nil {
		return nil, false, fmt.Errorf("create poller: %w", err)
	}
	mux, err := transfer.New(engine.NewMulti(), p, transfer.Options{
		MaxWait:     opts.maxWait,
		IdleTimeout: opts.idleTimeout,
		Logger:      logger,
	})
	if err != nil {
		_ = p.Close()
		return nil, false, fmt.Errorf("create multiplexer: %w", err)
	}
	defer func() { _ = mux.Close() }()

	if opts.bench > 0 {
		cfg := bench.Config{
			URL:         urls[0],
			Transfers:   opts.bench,
			Concurrency: opts.concurrency,
			DownLimit:   opts.downLimit,
		}
		res, err := bench.New(cfg, mux).Run(ctx)
		if err != nil {
			return nil, false, err
		}
		return bench.NewOutput(cfg, res), res.Errors > 0, nil
	}

	if err := os.MkdirAll(opts.outputDir, 0755); err != nil {
		return nil, false, fmt.Errorf("create output dir: %w", err)
	}
	names := fileNames(urls)

	results := make([]*download, len(urls))
	var wg sync.WaitGroup
	for i, rawURL := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = fetch(ctx, mux, opts, rawURL, filepath.Join(opts.outputDir, names[i]))
		}()
	}
	wg.Wait()

	failed := slices.ContainsFunc(results, func(d *download) bool { return d.Result != engine.OK })
	return results, failed, nil
}

// fetch downloads rawURL into dst, retrying transient failures.
func fetch(ctx context.Context, mux *transfer.Multiplexer, opts options, rawURL, dst string) *download {
	d := &download{URL: rawURL, File: dst}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = opts.retries
	policy.Base = opts.retryBase
	policy.Jitter = opts.retryBase / 2
	policy.Retryable = isTransient

	st, err := retry.WithRetry(ctx, "download "+rawURL, policy, func() (transfer.JobStatus, error) {
		d.Attempts++
		return fetchOnce(ctx, mux, opts, rawURL, dst)
	})

	d.Result = st.Result
	d.Status = st.Status
	d.Bytes = st.Bytes
	if err != nil {
		d.Error = err.Error()
		if d.Result == engine.OK {
			d.Result = engine.Aborted
		}
		if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("failed to remove partial download", "file", dst, "error", rmErr)
		}
		d.File = ""
	}
	return d
}

func fetchOnce(ctx context.Context, mux *transfer.Multiplexer, opts options, rawURL, dst string) (transfer.JobStatus, error) {
	f, err := os.Create(dst)
	if err != nil {
		return transfer.JobStatus{}, fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() { _ = f.Close() }()

	job, err := transfer.NewJob(rawURL, f, transfer.WithSpeedLimit(opts.downLimit, opts.upLimit))
	if err != nil {
		return transfer.JobStatus{URL: rawURL, Result: engine.URLMalformat}, err
	}
	if err := mux.AddTransfer(job); err != nil {
		return job.Snapshot(), fmt.Errorf("add transfer: %w", err)
	}

	result, err := job.Wait(ctx)
	if err != nil {
		if errors.Is(mux.RemoveTransfer(job), transfer.ErrNotAttached) {
			// Finished just as ctx ended; report the real outcome.
			<-job.Done()
			return job.Snapshot(), job.Result().Err()
		}
		job.Complete(engine.Aborted)
		return job.Snapshot(), err
	}
	return job.Snapshot(), result.Err()
}

func isTransient(err error) bool {
	var e *engine.Error
	return errors.As(err, &e) && slices.Contains(transientResults, e.Result)
}

// fileNames picks a local name per URL from its last path element, prefixing
// duplicates with their position.
func fileNames(urls []string) []string {
	names := make([]string, len(urls))
	seen := make(map[string]bool, len(urls))
	for i, rawURL := range urls {
		base := "index"
		if u, err := url.Parse(rawURL); err == nil {
			if b := path.Base(u.Path); b != "." && b != "/" && b != "" {
				base = b
			}
		}
		name := base
		if seen[base] {
			name = fmt.Sprintf("%d-%s", i, base)
		}
		seen[base] = true
		names[i] = name
	}
	return names
}
