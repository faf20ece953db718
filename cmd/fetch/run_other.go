//go:build !unix

package main

import (
	"context"
	"errors"
	"log/slog"
)

// run is a stub for platforms without readiness polling.
func run(ctx context.Context, opts options, urls []string, logger *slog.Logger) (any, bool, error) {
	return nil, false, errors.New("fetch is only supported on unix platforms")
}
