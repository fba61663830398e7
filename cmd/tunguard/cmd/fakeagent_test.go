package cmd

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tunguard/tunguard/internal/ctlapi"
)

// fakeAgent serves a canned control API on a Unix socket and records PUTs.
type fakeAgent struct {
	socketPath string

	mu   sync.Mutex
	puts map[string]json.RawMessage
}

func (f *fakeAgent) put(path string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.puts[path]
	return body, ok
}

func startFakeAgent(t *testing.T, state ctlapi.StateResponse, verdict ctlapi.DecideResponse) *fakeAgent {
	t.Helper()

	f := &fakeAgent{
		socketPath: filepath.Join(t.TempDir(), "ctl.sock"),
		puts:       make(map[string]json.RawMessage),
	}

	ln, err := net.Listen("unix", f.socketPath)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(state)
	})
	mux.HandleFunc("POST /v1/decide", func(w http.ResponseWriter, r *http.Request) {
		var req ctlapi.DecideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Dst == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid dst"})
			return
		}
		_ = json.NewEncoder(w).Encode(verdict)
	})
	mux.HandleFunc("GET /v1/apps/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "42" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(ctlapi.AppResponse{
			ID:         42,
			Name:       "com.example.browser",
			Firewall:   "none",
			Connection: "allow",
			HopChain:   []string{"wg1", "wg2"},
		})
	})
	mux.HandleFunc("PUT /", func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.puts[r.URL.Path] = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Handler: mux}
	go func() {
		_ = srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return f
}
