//go:build linux

package binding

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// UnixSocketOps implements SocketOps with setsockopt(2).
type UnixSocketOps struct{}

// NewUnixSocketOps returns a new UnixSocketOps.
func NewUnixSocketOps() *UnixSocketOps {
	return &UnixSocketOps{}
}

// Mark sets SO_MARK on fd. It requires CAP_NET_ADMIN.
func (UnixSocketOps) Mark(fd int, mark uint32) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
		return fmt.Errorf("binding: set SO_MARK: %w", err)
	}
	return nil
}

// BindToDevice sets SO_BINDTODEVICE on fd.
func (UnixSocketOps) BindToDevice(fd int, ifname string) error {
	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname); err != nil {
		return fmt.Errorf("binding: bind to device %s: %w", ifname, err)
	}
	return nil
}
