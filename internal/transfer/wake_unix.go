//go:build unix

package transfer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// wakePipe interrupts a blocked Wait when a transfer is added from another goroutine.
type wakePipe struct {
	r, w int
}

func newWakePipe() (*wakePipe, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, fmt.Errorf("set nonblock: %w", err)
		}
	}
	return &wakePipe{r: fds[0], w: fds[1]}, nil
}

// signal never blocks; a full pipe already guarantees a wakeup.
func (p *wakePipe) signal() {
	_, _ = unix.Write(p.w, []byte{1})
}

func (p *wakePipe) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *wakePipe) close() {
	_ = unix.Close(p.r)
	_ = unix.Close(p.w)
}
