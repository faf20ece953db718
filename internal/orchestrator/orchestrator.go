// Package orchestrator tracks the downloads started by the daemon: it creates
// jobs, hands them to the multiplexer, and records each outcome in the store.
package orchestrator

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
	"time"

	"github.com/google/uuid"

	"github.com/goceleris/transferd/internal/engine"
	"github.com/goceleris/transferd/internal/store"
	"github.com/goceleris/transferd/internal/transfer"
)

// ErrUnknownTransfer is returned for IDs that are not running.
var ErrUnknownTransfer = errors.New("orchestrator: no such running transfer")

// ErrShutdown is returned by StartTransfer after Shutdown.
var ErrShutdown = errors.New("orchestrator: shutting down")

// Submitter attaches and detaches transfers; *transfer.Multiplexer implements it.
type Submitter interface {
	AddTransfer(h transfer.Handle) error
	RemoveTransfer(h transfer.Handle) error
}

// Config holds orchestrator dependencies.
type Config struct {
	Store       *store.Store
	Mux         Submitter
	DownloadDir string

	// Default speed limits in bytes per second, 0 for unlimited
	DownLimit int
	UpLimit   int

	Logger *slog.Logger
}

// Orchestrator coordinates running transfers.
type Orchestrator struct {
	config Config
	log    *slog.Logger

	mu       sync.Mutex
	jobs     map[uuid.UUID]*running
	shutdown bool
	// drained is closed once shutdown is set and jobs is empty.
	drained chan struct{}

	// pending tracks records still being written.
	pending sync.WaitGroup
}

type running struct {
	job  *transfer.Job
	file *os.File
}

// New creates a new orchestrator.
func New(config Config) *Orchestrator {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Orchestrator{
		config:  config,
		log:     config.Logger.With("component", "orchestrator"),
		jobs:    make(map[uuid.UUID]*running),
		drained: make(chan struct{}),
	}
}

// StartTransfer downloads rawURL into the download directory and returns the
// running job.
func (o *Orchestrator) StartTransfer(rawURL string) (*transfer.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shutdown {
		return nil, ErrShutdown
	}

	id := uuid.New()
	name, err := fileName(id, rawURL)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.config.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	dst := filepath.Join(o.config.DownloadDir, name)
	f, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", dst, err)
	}

	job, err := transfer.NewJob(rawURL, f,
		transfer.WithID(id),
		transfer.WithSpeedLimit(o.config.DownLimit, o.config.UpLimit),
		transfer.WithOnComplete(o.finished),
	)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return nil, err
	}

	o.jobs[id] = &running{job: job, file: f}
	if err := o.config.Mux.AddTransfer(job); err != nil {
		delete(o.jobs, id)
		_ = f.Close()
		_ = os.Remove(dst)
		return nil, fmt.Errorf("add transfer: %w", err)
	}

	o.log.Info("transfer started", "id", id, "url", rawURL, "file", dst)
	return job, nil
}

// Transfer returns the running job with the given ID.
func (o *Orchestrator) Transfer(id uuid.UUID) (*transfer.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.jobs[id]
	if !ok {
		return nil, false
	}
	return r.job, true
}

// Active returns snapshots of every running job, oldest first.
func (o *Orchestrator) Active() []transfer.JobStatus {
	o.mu.Lock()
	out := make([]transfer.JobStatus, 0, len(o.jobs))
	for _, r := range o.jobs {
		out = append(out, r.job.Snapshot())
	}
	o.mu.Unlock()

	slices.SortFunc(out, func(a, b transfer.JobStatus) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// Abort stops a running transfer and records it as aborted. A transfer that
// finished before it could be detached keeps its own result and ErrUnknownTransfer
// is returned.
func (o *Orchestrator) Abort(id uuid.UUID) error {
	job, ok := o.Transfer(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	err := o.config.Mux.RemoveTransfer(job)
	if errors.Is(err, transfer.ErrNotAttached) {
		return fmt.Errorf("%w: %s already finished", ErrUnknownTransfer, id)
	}
	if err != nil {
		return fmt.Errorf("remove transfer: %w", err)
	}
	job.Complete(engine.Aborted)
	return nil
}

// Shutdown refuses new transfers, aborts the running ones and waits until
// every outcome has been recorded. Transfers that finish on their own during the
// abort are waited for, so the multiplexer must still be running.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if !o.shutdown {
		o.shutdown = true
		o.closeIfDrained()
	}
	ids := make([]uuid.UUID, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.Abort(id); err != nil && !errors.Is(err, ErrUnknownTransfer) {
			o.log.Warn("failed to abort transfer", "id", id, "error", err)
		}
	}
	<-o.drained
	o.pending.Wait()
}

// closeIfDrained is called with mu held.
func (o *Orchestrator) closeIfDrained() {
	if o.shutdown && len(o.jobs) == 0 {
		select {
		case <-o.drained:
		default:
			close(o.drained)
		}
	}
}

// finished runs on the multiplexer goroutine, so the store write happens elsewhere.
func (o *Orchestrator) finished(job *transfer.Job) {
	o.mu.Lock()
	r, ok := o.jobs[job.ID()]
	delete(o.jobs, job.ID())
	o.pending.Add(1)
	o.closeIfDrained()
	o.mu.Unlock()

	go func() {
		defer o.pending.Done()
		if ok {
			o.closeFile(r, job.Result())
		}
		o.record(job)
	}()
}

func (o *Orchestrator) closeFile(r *running, result engine.Result) {
	name := r.file.Name()
	if err := r.file.Close(); err != nil {
		o.log.Warn("failed to close download", "file", name, "error", err)
	}
	if result != engine.OK {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.log.Warn("failed to remove partial download", "file", name, "error", err)
		}
	}
}

func (o *Orchestrator) record(job *transfer.Job) {
	st := job.Snapshot()
	rec := &store.Record{
		ID:        st.ID.String(),
		URL:       st.URL,
		Method:    st.Method,
		Result:    st.Result,
		Status:    st.Status,
		Bytes:     st.Bytes,
		StartedAt: st.StartedAt,
		EndedAt:   time.Now(),
	}
	if st.EndedAt != nil {
		rec.EndedAt = *st.EndedAt
	}
	if err := st.Result.Err(); err != nil {
		rec.Error = err.Error()
	}

	level := slog.LevelInfo
	if st.Result != engine.OK {
		level = slog.LevelWarn
	}
	o.log.Log(context.Background(), level, "transfer finished",
		"id", rec.ID, "result", rec.Result.String(), "status", rec.Status, "bytes", rec.Bytes)

	if o.config.Store == nil {
		return
	}
	if err := o.config.Store.Save(rec); err != nil {
		o.log.Error("failed to record transfer", "id", rec.ID, "error", err)
	}
}

// fileName derives "<id>-<last path element>" from rawURL.
func fileName(id uuid.UUID, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		base = "index"
	}
	return id.String() + "-" + base, nil
}
