// Package transfer multiplexes many concurrent transfers onto one reactor goroutine.
//
// A Multiplexer owns a Poller and an Engine. Callers attach Handles from any goroutine;
// the loop feeds socket readiness to the engine, evicts transfers that stay idle past
// the idle timeout, resumes rate-limited transfers when their pacing deadline passes,
// and reports each transfer's result exactly once through Handle.Complete.
package transfer

import (
	"errors"
	"time"

	"github.com/goceleris/transferd/internal/engine"
)

var (
	// ErrClosed is returned after the multiplexer has been shut down.
	ErrClosed = errors.New("transfer: multiplexer closed")

	// ErrAlreadyAdded is returned when a handle's transfer is already attached.
	ErrAlreadyAdded = errors.New("transfer: handle already added")

	// ErrNotAttached is returned by RemoveTransfer when h was never added, was
	// already removed, or has finished and its completion is being delivered.
	ErrNotAttached = errors.New("transfer: handle not attached")
)

// Engine is the native multi-transfer engine driven by the multiplexer.
// engine.Multi implements it.
type Engine interface {
	SetSocketFunc(fn engine.SocketFunc)
	SetTimerFunc(fn engine.TimerFunc)
	Add(t *engine.Transfer) error
	Remove(t *engine.Transfer) error
	SocketAction(fd int, mask engine.Mask) error
	InfoRead() (engine.Message, bool)
	Close()
}

// Handle is a caller-owned transfer. The multiplexer only references it between
// AddTransfer and completion (or RemoveTransfer); the owner must remove it before
// discarding it.
//
// Every method except Complete runs on the loop goroutine with the multiplexer locked
// and must not call back into the Multiplexer. Complete runs on the loop goroutine after
// the lock is released and may call RemoveTransfer or AddTransfer.
type Handle interface {
	// Transfer returns the native engine transfer.
	Transfer() *engine.Transfer

	// ResetStatistics is called by AddTransfer before the transfer is attached.
	ResetStatistics()

	// LastActivity is the time data last moved.
	LastActivity() time.Time

	// NextReadTime and NextWriteTime report when a paused direction may resume.
	NextReadTime() (time.Time, bool)
	NextWriteTime() (time.Time, bool)

	// PerformsLimiting reports whether the handle paces itself.
	PerformsLimiting() bool

	// IdleHeartbeat is called when no data moved for a while, letting pacing and
	// speed windows roll over without real I/O.
	IdleHeartbeat()

	// Complete reports the final result. It is called at most once per AddTransfer.
	Complete(result engine.Result)
}
