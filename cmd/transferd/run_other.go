//go:build !unix

package main

import (
	"errors"
	"log/slog"

	"github.com/goceleris/transferd/internal/config"
)

// run is a stub for platforms without readiness polling.
func run(cfg *config.Config, logger *slog.Logger) error {
	return errors.New("transferd is only supported on unix platforms")
}
