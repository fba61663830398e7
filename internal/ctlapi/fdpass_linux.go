//go:build linux

package ctlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// maxFDsPerMessage sizes the control buffer so surplus descriptors are
// received, closed and reported rather than truncated.
const maxFDsPerMessage = 8

// fdServer receives sockets over SCM_RIGHTS and hands them to a Binder.
// Each message carries one FDRequest and exactly one descriptor.
type fdServer struct {
	binder  Binder
	checker GroupChecker
	group   string
	logger  *slog.Logger
}

// serve accepts connections until ctx is cancelled, then closes ln and
// waits for open connections to finish.
func (s *fdServer) serve(ctx context.Context, ln *net.UnixListener) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("protect socket accept failed", "error", err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
	wg.Wait()
}

func (s *fdServer) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cred, err := GetPeerCredentials(conn)
	if err != nil {
		s.logger.Debug("failed to get peer credentials", "error", err)
		return
	}
	if cred.UID != 0 && !s.checker.IsInGroup(cred.UID, cred.GID, s.group) {
		s.logger.Warn("socket handover denied",
			"uid", cred.UID,
			"gid", cred.GID,
		)
		return
	}

	buf := make([]byte, maxFDMessage)
	oob := make([]byte, unix.CmsgSpace(4*maxFDsPerMessage))
	for {
		n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if err != nil || (n == 0 && oobn == 0) {
			return
		}
		fds, err := parseRights(oob[:oobn])
		resp := s.apply(buf[:n], fds, err)
		for _, fd := range fds {
			unix.Close(fd)
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

func (s *fdServer) apply(payload []byte, fds []int, rightsErr error) FDResponse {
	if rightsErr != nil {
		return FDResponse{Error: "invalid control message"}
	}
	if len(fds) != 1 {
		return FDResponse{Error: fmt.Sprintf("want 1 socket, got %d", len(fds))}
	}
	var req FDRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return FDResponse{Error: "invalid request"}
	}
	resp := applyFD(s.binder, req, fds[0])
	s.logger.Debug("socket handed over",
		"op", req.Op,
		"who", req.Who,
		"dst", req.Dst,
		"ok", resp.OK,
	)
	return resp
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// listenFDs opens the protect socket with the control socket's permissions.
func listenFDs(path, group string, logger *slog.Logger) (*net.UnixListener, error) {
	os.Remove(path)
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("ctlapi: listen unixpacket %s: %w", path, err)
	}
	if err := setSocketPermissions(path, group, logger); err != nil {
		logger.Warn("failed to set protect socket permissions", "error", err)
	}
	return ln, nil
}

// startFDs serves the protect socket in the background until ctx is done.
func (s *Server) startFDs(ctx context.Context, wg *sync.WaitGroup, binder Binder) error {
	ln, err := listenFDs(s.cfg.ProtectSocketPath, s.cfg.ControlGroup, s.logger)
	if err != nil {
		return err
	}
	srv := &fdServer{
		binder:  binder,
		checker: OSGroupChecker{},
		group:   s.cfg.ControlGroup,
		logger:  s.logger,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.serve(ctx, ln)
		os.Remove(s.cfg.ProtectSocketPath)
	}()
	return nil
}

// SendFD passes fd with req over conn and waits for the reply.
func SendFD(conn *net.UnixConn, req FDRequest, fd int) (FDResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return FDResponse{}, fmt.Errorf("ctlapi: send fd: %w", err)
	}
	if _, _, err := conn.WriteMsgUnix(data, unix.UnixRights(fd), nil); err != nil {
		return FDResponse{}, fmt.Errorf("ctlapi: send fd: %w", err)
	}
	buf := make([]byte, maxFDMessage)
	n, err := conn.Read(buf)
	if err != nil {
		return FDResponse{}, fmt.Errorf("ctlapi: send fd: read reply: %w", err)
	}
	var resp FDResponse
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return FDResponse{}, fmt.Errorf("ctlapi: send fd: decode reply: %w", err)
	}
	return resp, nil
}
