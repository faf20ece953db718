//go:build !unix

package poller

import "errors"

// New returns an error on platforms without a readiness facility.
func New() (Poller, error) {
	return nil, errors.New("poller: this platform is not supported")
}
