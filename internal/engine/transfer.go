package engine

import (
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// DefaultConnectTimeout bounds name resolution plus the TCP handshake.
const DefaultConnectTimeout = 30 * time.Second

type state int

const (
	stateIdle state = iota
	stateResolve
	stateResolving
	stateConnecting
	stateSending
	stateReceiving
	stateDone
)

type resolution struct {
	ip  []byte
	err error
}

// Transfer is one native request driven by a Multi. Configure the exported fields
// before Add; they must not change while the transfer is attached.
type Transfer struct {
	Method         string
	URL            *url.URL
	Header         http.Header
	UploadSize     int64
	ConnectTimeout time.Duration

	// WriteFunc receives response body bytes. Accepting fewer than len(p) bytes pauses
	// reception; the remainder is offered again on the next readable action.
	WriteFunc func(p []byte) (int, error)

	// ReadFunc supplies the upload body. Returning 0, nil pauses the upload.
	ReadFunc func(p []byte) (int, error)

	multi    *Multi
	gen      uint64
	state    state
	fd       int
	resolved chan resolution
	deadline time.Time
	out      []byte
	uploaded int64
	head     []byte
	pending  []byte

	status        atomic.Int64
	contentLength atomic.Int64
	received      atomic.Int64
}

// NewTransfer parses rawURL and prepares a transfer.
func NewTransfer(method, rawURL string) (*Transfer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if method == "" {
		method = http.MethodGet
	}
	t := &Transfer{
		Method:         method,
		URL:            u,
		Header:         make(http.Header),
		ConnectTimeout: DefaultConnectTimeout,
		fd:             -1,
	}
	t.contentLength.Store(-1)
	return t, nil
}

// StatusCode returns the response status, 0 until the head has been parsed.
func (t *Transfer) StatusCode() int {
	return int(t.status.Load())
}

// ContentLength returns the announced body size, -1 when unknown.
func (t *Transfer) ContentLength() int64 {
	return t.contentLength.Load()
}

// Received returns the body bytes accepted by WriteFunc so far.
func (t *Transfer) Received() int64 {
	return t.received.Load()
}

// reset clears per-run state. The caller has already closed fd.
func (t *Transfer) reset() {
	t.fd = -1
	t.state = stateIdle
	t.resolved = nil
	t.deadline = time.Time{}
	t.out = nil
	t.uploaded = 0
	t.head = nil
	t.pending = nil
	t.status.Store(0)
	t.contentLength.Store(-1)
	t.received.Store(0)
}

// requestHead builds an HTTP/1.0 request so servers answer with a delimited or
// close-terminated body rather than chunked encoding.
func (t *Transfer) requestHead() []byte {
	head := fmt.Sprintf("%s %s HTTP/1.0\r\nHost: %s\r\n", t.Method, t.URL.RequestURI(), t.URL.Host)
	if t.Header.Get("User-Agent") == "" {
		head += "User-Agent: transferd/1.0\r\n"
	}
	if t.Header.Get("Accept") == "" {
		head += "Accept: */*\r\n"
	}
	for name, values := range t.Header {
		for _, v := range values {
			head += name + ": " + v + "\r\n"
		}
	}
	if t.UploadSize > 0 {
		head += fmt.Sprintf("Content-Length: %d\r\n", t.UploadSize)
	}
	head += "Connection: close\r\n\r\n"
	return []byte(head)
}
