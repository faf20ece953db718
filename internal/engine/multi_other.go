//go:build !unix

package engine

// Multi drives transfers through raw non-blocking sockets and is only available
// on unix platforms.
type Multi struct{}
