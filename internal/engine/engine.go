// Package engine is a multi-handle HTTP transfer engine driven by socket readiness.
// Like a curl multi handle it never blocks: the owner feeds readiness through
// SocketAction, learns which descriptors to watch from the socket callback, learns
// when to call back from the timer callback, and collects finished transfers with InfoRead.
package engine

import "time"

// SocketTimeout is passed to SocketAction for a timer tick.
const SocketTimeout = -1

// Mask describes readiness fed into SocketAction.
type Mask int

const (
	CSelectIn Mask = 1 << iota
	CSelectOut
	CSelectErr
)

// Action tells the owner what to watch on a descriptor.
type Action int

const (
	PollIn Action = iota + 1
	PollOut
	PollInOut
	PollRemove
)

func (a Action) String() string {
	switch a {
	case PollIn:
		return "in"
	case PollOut:
		return "out"
	case PollInOut:
		return "inout"
	case PollRemove:
		return "remove"
	}
	return "none"
}

// SocketFunc is invoked synchronously from SocketAction and Remove.
type SocketFunc func(t *Transfer, fd int, action Action)

// TimerFunc receives the delay before the engine wants a SocketTimeout tick, or -1.
type TimerFunc func(timeout time.Duration)

// Message reports a finished transfer.
type Message struct {
	Transfer *Transfer
	Result   Result
	gen      uint64
}
