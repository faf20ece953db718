// Package poller abstracts OS readiness notification for single-threaded reactors.
// A Poller tracks descriptors with interest flags and reports batches of ready events.
package poller

import (
	"errors"
	"strings"
	"time"
)

// Flags is a set of interest or readiness bits.
type Flags uint32

const (
	Readable Flags = 1 << iota
	Writable
	Error
	HangUp
	// OneShot de-arms the descriptor after one delivered event; AddSocket re-arms it.
	OneShot
	EdgeTriggered
)

// ErrClosed is returned by operations on a closed Poller.
var ErrClosed = errors.New("poller: closed")

// Event reports one ready descriptor. Flags only carries readiness bits.
type Event struct {
	Fd    int
	Flags Flags
}

// Poller is the readiness contract shared by the transfer multiplexer and the HTTP daemon.
type Poller interface {
	// AddSocket registers fd or replaces its interest set. The latest call wins.
	AddSocket(fd int, flags Flags) error

	// RemoveSocket deregisters fd. Removing an unknown descriptor is not an error.
	RemoveSocket(fd int) error

	// Wait blocks up to timeout (0 polls, negative blocks forever) and fills at most
	// len(events) entries. It returns 0 on timeout.
	Wait(timeout time.Duration, events []Event) (int, error)

	// Close releases the underlying facility.
	Close() error
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, b := range []struct {
		bit  Flags
		name string
	}{
		{Readable, "r"},
		{Writable, "w"},
		{Error, "err"},
		{HangUp, "hup"},
		{OneShot, "oneshot"},
		{EdgeTriggered, "et"},
	} {
		if f&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}

// timeoutMillis converts a wait bound to the millisecond argument of epoll_wait/poll,
// rounding sub-millisecond positive values up so they do not degrade into a busy poll.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
