//go:build unix

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goceleris/transferd/internal/adminapi"
	"github.com/goceleris/transferd/internal/config"
	"github.com/goceleris/transferd/internal/engine"
	"github.com/goceleris/transferd/internal/httpd"
	"github.com/goceleris/transferd/internal/orchestrator"
	"github.com/goceleris/transferd/internal/poller"
	"github.com/goceleris/transferd/internal/store"
	"github.com/goceleris/transferd/internal/transfer"
)

const gcInterval = 5 * time.Minute

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("transferd starting")

	db, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()
	slog.Info("BadgerDB initialized", "data_dir", cfg.DataDir)

	p, err := poller.New()
	if err != nil {
		return fmt.Errorf("create poller: %w", err)
	}
	mux, err := transfer.New(engine.NewMulti(), p, transfer.Options{
		MaxWait:     cfg.MaxWait,
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		_ = p.Close()
		return fmt.Errorf("create multiplexer: %w", err)
	}
	defer func() {
		if err := mux.Close(); err != nil {
			slog.Error("multiplexer close error", "error", err)
		}
	}()
	slog.Info("multiplexer initialized", "max_wait", cfg.MaxWait, "idle_timeout", cfg.IdleTimeout)

	orch := orchestrator.New(orchestrator.Config{
		Store:       db,
		Mux:         mux,
		DownloadDir: cfg.DownloadDir,
		DownLimit:   cfg.DownLimit,
		UpLimit:     cfg.UpLimit,
		Logger:      logger,
	})

	remote := httpd.New(httpd.Config{
		UseV6:       cfg.RemoteV6,
		BindAddress: cfg.RemoteBind,
		Port:        cfg.RemotePort,
		Router:      remoteRouter(orch, logger),
		Logger:      logger,
	})
	if err := remote.Start(); err != nil {
		return fmt.Errorf("start remote control: %w", err)
	}
	slog.Info("remote control listening", "addr", remote.Addr().String())

	api := adminapi.New(adminapi.Config{
		Store:     db,
		Transfers: orch,
		Stats: func() any {
			return map[string]any{
				"multiplexer": mux.Stats(),
				"remote":      remote.Stats(),
			}
		},
		APIKey: cfg.APIKey,
		H2C:    cfg.H2C,
		Logger: logger,
	})
	server := api.Server(cfg.AdminAddr)

	bgCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go db.RunGC(bgCtx, gcInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("admin API listening", "addr", cfg.AdminAddr, "h2c", cfg.H2C)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	slog.Info("transferd ready")

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		runErr = fmt.Errorf("admin API: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin API shutdown error", "error", err)
	}
	if err := remote.Stop(); err != nil {
		slog.Error("remote control shutdown error", "error", err)
	}
	orch.Shutdown()
	cancel()

	slog.Info("transferd stopped")
	return runErr
}
