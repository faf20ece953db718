//go:build linux

package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/goceleris/transferd/internal/bench"
	"github.com/goceleris/transferd/internal/engine"
)

func testOpts(t *testing.T) options {
	return options{
		outputDir:   t.TempDir(),
		retries:     1,
		retryBase:   10 * time.Millisecond,
		maxWait:     50 * time.Millisecond,
		idleTimeout: 5 * time.Second,
		concurrency: 4,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFileServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "contents of "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func closedPortURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return "http://" + addr + "/gone"
}

func TestRunDownloadsFiles(t *testing.T) {
	srv := newFileServer(t)
	opts := testOpts(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, failed, err := run(ctx, opts, []string{srv.URL + "/a.txt", srv.URL + "/b.txt"}, quietLogger())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if failed {
		t.Fatalf("unexpected failure: %+v", out)
	}

	for _, name := range []string{"a.txt", "b.txt"} {
		data, err := os.ReadFile(filepath.Join(opts.outputDir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != "contents of /"+name {
			t.Errorf("%s: unexpected contents %q", name, data)
		}
	}
	for _, d := range out.([]*download) {
		if d.Attempts != 1 || d.Status != http.StatusOK {
			t.Errorf("unexpected report %+v", d)
		}
	}
}

func TestRunRetriesTransientFailure(t *testing.T) {
	opts := testOpts(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, failed, err := run(ctx, opts, []string{closedPortURL(t)}, quietLogger())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !failed {
		t.Fatal("expected the run to report failure")
	}

	d := out.([]*download)[0]
	if d.Attempts != 2 || d.Result != engine.CouldntConnect || d.File != "" || d.Error == "" {
		t.Errorf("unexpected report %+v", d)
	}
	if entries, _ := os.ReadDir(opts.outputDir); len(entries) != 0 {
		t.Errorf("expected the partial file removed, found %d entries", len(entries))
	}
}

func TestRunBench(t *testing.T) {
	srv := newFileServer(t)
	opts := testOpts(t)
	opts.bench = 8

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, failed, err := run(ctx, opts, []string{srv.URL + "/bench"}, quietLogger())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	res := out.(*bench.Output).Result
	if failed || res.Transfers != 8 || res.Errors != 0 {
		t.Errorf("unexpected bench result %+v", res)
	}
	if expected := int64(8 * len("contents of /bench")); res.Bytes != expected {
		t.Errorf("expected %d bytes, got %d", expected, res.Bytes)
	}
}

func TestFileNames(t *testing.T) {
	got := fileNames([]string{
		"http://h/a/data.bin",
		"http://h/",
		"http://other/data.bin",
		"http://[bad",
	})
	expected := []string{"data.bin", "index", "2-data.bin", "3-index"}
	if !slices.Equal(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}
