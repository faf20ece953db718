// Package main provides transferd, a download daemon. It runs every transfer
// through one socket-readiness multiplexer and accepts work from:
// - a small remote-control HTTP listener (POST /transfers with url=...)
// - the admin REST API
// Finished transfers are kept in BadgerDB for 30 days.
package main

import (
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goceleris/transferd/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Ignoring invalid environment values: %v", err)
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	level, _ := cfg.Level()

	// Log to stdout, and to the log file when one is configured
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		if dir := filepath.Dir(cfg.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				log.Fatalf("Failed to create log directory: %v", err)
			}
		}
		logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer func() { _ = logFile.Close() }()
		out = io.MultiWriter(os.Stdout, logFile)
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("transferd failed", "error", err)
		os.Exit(1)
	}
}
