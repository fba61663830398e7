//go:build !linux

package binding

import "errors"

var errUnsupported = errors.New("binding: socket options not supported on this platform")

// UnixSocketOps is a no-op stand-in on platforms without SO_MARK.
type UnixSocketOps struct{}

// NewUnixSocketOps returns a new UnixSocketOps.
func NewUnixSocketOps() *UnixSocketOps {
	return &UnixSocketOps{}
}

func (UnixSocketOps) Mark(int, uint32) error         { return errUnsupported }
func (UnixSocketOps) BindToDevice(int, string) error { return errUnsupported }
