package binding

// SocketOps abstracts the OS socket options used to protect and bind raw
// sockets handed over by the tunnel engine.
type SocketOps interface {
	// Mark sets the fwmark on fd so the tunnel does not capture its packets.
	Mark(fd int, mark uint32) error
	// BindToDevice pins fd to the named interface.
	BindToDevice(fd int, ifname string) error
}
