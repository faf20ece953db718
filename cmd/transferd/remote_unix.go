//go:build unix

package main

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/goceleris/transferd/internal/httpd"
	"github.com/goceleris/transferd/internal/transfer"
)

// remoteTransfers is what the remote-control listener may do.
type remoteTransfers interface {
	StartTransfer(rawURL string) (*transfer.Job, error)
	Abort(id uuid.UUID) error
}

// remoteRouter accepts
//
//	POST /transfers        url=<url>   start a download
//	POST /transfers/abort  id=<id>     abort a running download
//
// as url-encoded forms, or the same keys in the query string. The listener never
// writes responses; every connection is closed once its request is handled.
func remoteRouter(t remoteTransfers, logger *slog.Logger) httpd.Router {
	log := logger.With("component", "remote")

	closeOnly := httpd.HandlerFuncs{Serve: func(c *httpd.Conn) { c.Close() }}

	return func(req *httpd.Request) httpd.Handler {
		if req.Method != "POST" {
			return closeOnly
		}
		switch req.Path {
		case "/transfers":
			return httpd.HandlerFuncs{Serve: func(c *httpd.Conn) {
				defer c.Close()
				rawURL := formValue(c.Request(), "url")
				if rawURL == "" {
					log.Warn("start request without url", "peer", c.RemoteAddr())
					return
				}
				if _, err := t.StartTransfer(rawURL); err != nil {
					log.Warn("failed to start transfer", "url", rawURL, "error", err)
				}
			}}
		case "/transfers/abort":
			return httpd.HandlerFuncs{Serve: func(c *httpd.Conn) {
				defer c.Close()
				id, err := uuid.Parse(formValue(c.Request(), "id"))
				if err != nil {
					log.Warn("abort request with invalid id", "peer", c.RemoteAddr(), "error", err)
					return
				}
				if err := t.Abort(id); err != nil {
					log.Warn("failed to abort transfer", "id", id, "error", err)
				}
			}}
		}
		return closeOnly
	}
}

func formValue(req *httpd.Request, key string) string {
	if v, ok := req.Form[key]; ok {
		return v
	}
	return req.Query[key]
}
