// Package main provides fetch, a CLI that downloads URLs concurrently through a
// single transfer multiplexer, or benchmarks one URL with -bench.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goceleris/transferd/internal/bench"
	"github.com/goceleris/transferd/internal/config"
	"github.com/goceleris/transferd/internal/retry"
)

type options struct {
	outputDir   string
	downLimit   int
	upLimit     int
	retries     int
	retryBase   time.Duration
	maxWait     time.Duration
	idleTimeout time.Duration
	timeout     time.Duration
	bench       int
	concurrency int
}

func main() {
	defaults := config.Default()

	var opts options
	flag.StringVar(&opts.outputDir, "o", ".", "Output directory for downloads")
	flag.IntVar(&opts.downLimit, "down-limit", 0, "Per-transfer download limit in bytes/s (0 = unlimited)")
	flag.IntVar(&opts.upLimit, "up-limit", 0, "Per-transfer upload limit in bytes/s (0 = unlimited)")
	flag.IntVar(&opts.retries, "retries", retry.DefaultMaxRetries, "Retries per URL on transient failures")
	flag.DurationVar(&opts.retryBase, "retry-base", retry.DefaultPolicy().Base, "Delay before the first retry, doubled each time")
	flag.DurationVar(&opts.maxWait, "max-wait", defaults.MaxWait, "Longest single poller wait")
	flag.DurationVar(&opts.idleTimeout, "idle-timeout", defaults.IdleTimeout, "Abort transfers idle for this long")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Overall deadline (0 = none)")
	flag.IntVar(&opts.bench, "bench", 0, "Benchmark: download the single URL this many times")
	flag.IntVar(&opts.concurrency, "concurrency", bench.DefaultConfig().Concurrency, "Concurrent transfers in benchmark mode")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] URL...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("Invalid log level %q", *logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	urls := flag.Args()
	if len(urls) == 0 || (opts.bench > 0 && len(urls) != 1) {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	out, failed, err := run(ctx, opts, urls, logger)
	if err != nil {
		slog.Error("fetch failed", "error", err)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode results: %v", err)
	}
	fmt.Println(string(data))
	if failed {
		os.Exit(1)
	}
}
