//go:build linux

package ctlapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func startFDServer(t *testing.T, b Binder, checker GroupChecker) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "protect.sock")
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	srv := &fdServer{binder: b, checker: checker, group: "tunguard", logger: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return path
}

func allowCurrentUser() *mockGroupChecker {
	return &mockGroupChecker{groups: map[string]bool{
		fmt.Sprintf("%d:tunguard", os.Getuid()): true,
	}}
}

func dialFD(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func udpSocket(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestFDServer_HandsOverSocket(t *testing.T) {
	var sockType atomic.Int64
	b := &mockBinder{result: true, onFD: func(fd int) {
		typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
		if err == nil {
			sockType.Store(int64(typ))
		}
	}}
	conn := dialFD(t, startFDServer(t, b, allowCurrentUser()))
	fd := udpSocket(t)

	resp, err := SendFD(conn, FDRequest{Op: FDOpBind4, Who: "wg0", Dst: "198.51.100.7:51820"}, fd)
	if err != nil {
		t.Fatalf("SendFD(bind4): %v", err)
	}
	if !resp.OK {
		t.Errorf("bind4 response = %+v, want ok", resp)
	}
	if got := sockType.Load(); got != unix.SOCK_DGRAM {
		t.Errorf("received socket type = %d, want SOCK_DGRAM", got)
	}

	resp, err = SendFD(conn, FDRequest{Op: FDOpProtect, Who: "wg0"}, fd)
	if err != nil {
		t.Fatalf("SendFD(protect): %v", err)
	}
	if !resp.OK {
		t.Errorf("protect response = %+v, want ok", resp)
	}

	calls := b.recorded()
	if len(calls) != 2 {
		t.Fatalf("binder calls = %v, want 2", calls)
	}
	if calls[0] != (binderCall{Op: FDOpBind4, Who: "wg0", Dst: "198.51.100.7:51820"}) {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1] != (binderCall{Op: FDOpProtect, Who: "wg0"}) {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestFDServer_RequiresOneSocket(t *testing.T) {
	b := &mockBinder{result: true}
	conn := dialFD(t, startFDServer(t, b, allowCurrentUser()))

	if _, err := conn.Write([]byte(`{"op":"protect","who":"wg0"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, maxFDMessage)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if reply := string(buf[:n]); !strings.Contains(reply, "want 1 socket, got 0") {
		t.Errorf("reply = %s, want socket count error", reply)
	}
	if n := len(b.recorded()); n != 0 {
		t.Errorf("binder calls = %d, want 0", n)
	}
}

func TestFDServer_InvalidRequest(t *testing.T) {
	b := &mockBinder{result: true}
	conn := dialFD(t, startFDServer(t, b, allowCurrentUser()))

	if _, _, err := conn.WriteMsgUnix([]byte("not json"), unix.UnixRights(udpSocket(t)), nil); err != nil {
		t.Fatalf("WriteMsgUnix: %v", err)
	}
	buf := make([]byte, maxFDMessage)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if reply := string(buf[:n]); !strings.Contains(reply, "invalid request") {
		t.Errorf("reply = %s, want invalid request", reply)
	}
}

func TestFDServer_DeniesOutsiders(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root is always allowed")
	}
	b := &mockBinder{result: true}
	conn := dialFD(t, startFDServer(t, b, &mockGroupChecker{}))

	if _, err := SendFD(conn, FDRequest{Op: FDOpProtect, Who: "wg0"}, udpSocket(t)); err == nil {
		t.Error("SendFD() error = nil, want closed connection")
	}
	if n := len(b.recorded()); n != 0 {
		t.Errorf("binder calls = %d, want 0", n)
	}
}

func TestServer_ProtectSocket(t *testing.T) {
	grp, err := user.LookupGroupId(strconv.Itoa(os.Getgid()))
	if err != nil {
		t.Skipf("lookup primary group: %v", err)
	}
	dir := t.TempDir()
	protectPath := filepath.Join(dir, "protect.sock")
	b := &mockBinder{result: true}

	srv := newTestServer(t, Config{
		SocketPath:        filepath.Join(dir, "ctl.sock"),
		ProtectSocketPath: protectPath,
		ControlGroup:      grp.Name,
	})
	srv.handler.deps.Binder = b

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	waitForSocket(t, protectPath)
	conn := dialFD(t, protectPath)
	resp, err := SendFD(conn, FDRequest{Op: FDOpBind6, Who: "dns", Dst: "[2001:db8::53]:53"}, udpSocket(t))
	if err != nil {
		t.Fatalf("SendFD: %v", err)
	}
	if !resp.OK {
		t.Errorf("response = %+v, want ok", resp)
	}
	conn.Close()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start() = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(protectPath); !os.IsNotExist(err) {
		t.Errorf("protect socket still present after shutdown: %v", err)
	}
	if calls := b.recorded(); len(calls) != 1 || calls[0].Op != FDOpBind6 {
		t.Errorf("binder calls = %v, want one bind6", calls)
	}
}
