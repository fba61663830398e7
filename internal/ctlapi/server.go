// Package ctlapi serves the local control API: connection decisions for the
// tunnel engine, state inspection and device signal updates. It listens on
// a Unix socket and optionally on TCP with bearer token authentication.
package ctlapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Server is the local control API server.
type Server struct {
	cfg     Config
	handler *Handler
	logger  *slog.Logger
}

// NewServer creates a new Server. Config defaults are applied automatically.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		handler: NewHandler(deps, logger),
		logger:  logger.With("component", "ctlapi"),
	}
}

// Start runs the server. It blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	mux := s.handler.Mux()

	// Remove stale socket.
	os.Remove(s.cfg.SocketPath)

	if dir := filepath.Dir(s.cfg.SocketPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ctlapi: create socket dir: %w", err)
		}
	}

	unixLn, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("ctlapi: listen unix %s: %w", s.cfg.SocketPath, err)
	}
	if err := setSocketPermissions(s.cfg.SocketPath, s.cfg.ControlGroup, s.logger); err != nil {
		s.logger.Warn("failed to set socket permissions", "error", err)
	}

	unixServer := &http.Server{
		Handler:     wrapControlAuth(mux, s.cfg.ControlGroup, s.logger),
		ConnContext: connContextWithPeerCred(s.logger),
	}

	var tcpServer *http.Server
	var tcpLn net.Listener

	if s.cfg.HTTPEnabled {
		token, err := readTokenFile(s.cfg.HTTPTokenFile)
		if err != nil {
			unixLn.Close()
			os.Remove(s.cfg.SocketPath)
			return fmt.Errorf("ctlapi: read token file: %w", err)
		}

		tcpLn, err = net.Listen("tcp", s.cfg.HTTPListen)
		if err != nil {
			unixLn.Close()
			os.Remove(s.cfg.SocketPath)
			return fmt.Errorf("ctlapi: listen tcp %s: %w", s.cfg.HTTPListen, err)
		}
		tcpServer = &http.Server{Handler: BearerAuthMiddleware(token)(mux)}
	}

	s.logger.Info("server started",
		"socket", s.cfg.SocketPath,
		"http_enabled", s.cfg.HTTPEnabled,
		"http_listen", s.cfg.HTTPListen,
	)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := unixServer.Serve(unixLn); err != http.ErrServerClosed {
			s.logger.Error("unix server error", "error", err)
		}
	}()

	if binder := s.handler.deps.Binder; binder != nil {
		if err := s.startFDs(ctx, &wg, binder); err != nil {
			s.logger.Warn("socket handover disabled", "error", err)
		}
	}

	if tcpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tcpServer.Serve(tcpLn); err != http.ErrServerClosed {
				s.logger.Error("tcp server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	s.logger.Info("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer shutdownCancel()

	unixServer.Shutdown(shutdownCtx)
	if tcpServer != nil {
		tcpServer.Shutdown(shutdownCtx)
	}

	os.Remove(s.cfg.SocketPath)

	wg.Wait()

	s.logger.Info("server stopped")

	return ctx.Err()
}

// readTokenFile reads and trims a bearer token from a file.
func readTokenFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("token file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file is empty")
	}
	return token, nil
}
