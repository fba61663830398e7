// Package wireguard reports the session state of the WireGuard hop proxies
// referenced by per-app hop chains.
package wireguard

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunguard/tunguard/internal/routing"
)

// HopStatus is the probe result for one hop proxy.
type HopStatus struct {
	ID            string    `json:"id"`
	Interface     string    `json:"interface"`
	Active        bool      `json:"active"`
	Peers         int       `json:"peers"`
	LastHandshake time.Time `json:"last_handshake,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Prober periodically probes the watched hop proxies and caches the result.
// Reads on the decision path never touch the kernel.
type Prober struct {
	reader DeviceReader
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	watched []string

	status  atomic.Pointer[map[string]HopStatus]
	trigger chan struct{}
}

// NewProber creates a new Prober. Config defaults are applied automatically.
func NewProber(reader DeviceReader, cfg Config, logger *slog.Logger) *Prober {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		reader:  reader,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	empty := map[string]HopStatus{}
	p.status.Store(&empty)
	return p
}

// SetWatched replaces the set of hop proxy ids to probe and schedules a
// probe when the set changed. Sentinel ids such as "Block" are ignored.
func (p *Prober) SetWatched(ids []string) {
	var watched []string
	for _, id := range ids {
		if id == "" || isSentinel(id) || slices.Contains(watched, id) {
			continue
		}
		watched = append(watched, id)
	}
	sort.Strings(watched)

	p.mu.Lock()
	changed := !slices.Equal(watched, p.watched)
	p.watched = watched
	p.mu.Unlock()

	if changed {
		select {
		case p.trigger <- struct{}{}:
		default:
		}
	}
}

// IsActive reports whether the last probe found the hop usable.
func (p *Prober) IsActive(id string) bool {
	return (*p.status.Load())[id].Active
}

// Statuses returns the last probe results sorted by id.
func (p *Prober) Statuses() []HopStatus {
	status := *p.status.Load()
	out := make([]HopStatus, 0, len(status))
	for _, s := range status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Probe queries every watched hop once and publishes the results.
func (p *Prober) Probe() {
	p.mu.Lock()
	watched := slices.Clone(p.watched)
	p.mu.Unlock()

	prev := *p.status.Load()
	next := make(map[string]HopStatus, len(watched))
	for _, id := range watched {
		s := p.probeOne(id)
		if old, ok := prev[id]; !ok || old.Active != s.Active {
			p.logger.Info("hop status changed",
				"component", "wireguard",
				"hop", id,
				"interface", s.Interface,
				"active", s.Active,
			)
		}
		next[id] = s
	}
	p.status.Store(&next)
}

func (p *Prober) probeOne(id string) HopStatus {
	s := HopStatus{ID: id, Interface: p.cfg.interfaceFor(id)}
	dev, err := p.reader.Device(s.Interface)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Debug("hop probe failed",
				"component", "wireguard",
				"hop", id,
				"error", err,
			)
		}
		s.Error = err.Error()
		return s
	}
	s.Peers = len(dev.Peers)
	for _, peer := range dev.Peers {
		if peer.LastHandshakeTime.After(s.LastHandshake) {
			s.LastHandshake = peer.LastHandshakeTime
		}
	}
	s.Active = !s.LastHandshake.IsZero() && p.now().Sub(s.LastHandshake) <= p.cfg.HandshakeTimeout
	return s
}

// Run probes on every ProbeInterval tick and whenever the watched set
// changes. It blocks until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	p.Probe()

	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Probe()
		case <-p.trigger:
			p.Probe()
		}
	}
}

func isSentinel(id string) bool {
	switch id {
	case routing.ProxyBlock, routing.ProxyBase, routing.ProxyExit, routing.ProxyAuto:
		return true
	}
	return false
}
