//go:build unix && !linux

package poller

// New returns the preferred Poller for the platform.
func New() (Poller, error) {
	return NewPoll(), nil
}
