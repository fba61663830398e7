//go:build !linux

package ctlapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
)

// connContextWithPeerCred returns nil on non-Linux platforms (no SO_PEERCRED).
func connContextWithPeerCred(_ *slog.Logger) func(ctx context.Context, c net.Conn) context.Context {
	return nil
}

// wrapControlAuth is a no-op on non-Linux platforms.
func wrapControlAuth(next http.Handler, _ string, _ *slog.Logger) http.Handler {
	return next
}

func setSocketPermissions(_, _ string, _ *slog.Logger) error { return nil }

func (s *Server) startFDs(_ context.Context, _ *sync.WaitGroup, _ Binder) error {
	return errors.New("ctlapi: socket handover requires linux")
}
