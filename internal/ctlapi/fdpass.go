package ctlapi

import (
	"fmt"
)

// Binder protects sockets from the tunnel and binds them to underlying
// networks.
type Binder interface {
	Protect(who string, fd int)
	Bind4(who, addrPort string, fd int) bool
	Bind6(who, addrPort string, fd int) bool
}

// Socket handover operations.
const (
	FDOpProtect = "protect"
	FDOpBind4   = "bind4"
	FDOpBind6   = "bind6"
)

// FDRequest accompanies a socket passed over the protect socket. Dst is
// the destination ip:port for bind operations.
type FDRequest struct {
	Op  string `json:"op"`
	Who string `json:"who"`
	Dst string `json:"dst,omitempty"`
}

// FDResponse is the reply to one FDRequest.
type FDResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// maxFDMessage bounds a single request or response on the protect socket.
const maxFDMessage = 4096

func applyFD(b Binder, req FDRequest, fd int) FDResponse {
	switch req.Op {
	case FDOpProtect:
		b.Protect(req.Who, fd)
		return FDResponse{OK: true}
	case FDOpBind4:
		return FDResponse{OK: b.Bind4(req.Who, req.Dst, fd)}
	case FDOpBind6:
		return FDResponse{OK: b.Bind6(req.Who, req.Dst, fd)}
	default:
		return FDResponse{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}
