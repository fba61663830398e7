// Package devicestate provides the live device signals the firewall
// evaluator consults: screen lock, lockdown mode, per-app foreground and
// pause state, and whether a destination is reached over a metered network.
package devicestate

import (
	"errors"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/tunguard/tunguard/internal/binding"
)

// ErrNoMeteredSource is returned by IsDestinationMetered when no resolver
// has been configured.
var ErrNoMeteredSource = errors.New("devicestate: no metered resolver")

// MeteredResolver reports whether traffic to ip leaves over a metered link.
type MeteredResolver interface {
	IsMetered(ip netip.Addr) (bool, error)
}

// NetworkSource returns the current underlying network snapshot, or nil
// before the first refresh.
type NetworkSource interface {
	Current() *binding.UnderlyingNetworks
}

// Provider holds device signals pushed in by the platform integration
// (through the control API) and answers metered queries from the network
// monitor. It implements firewall.DeviceState. All methods are safe for
// concurrent use.
type Provider struct {
	metered  MeteredResolver
	networks NetworkSource
	logger   *slog.Logger

	mu         sync.RWMutex
	locked     bool
	lockdown   bool
	foreground map[int]struct{}
	paused     map[int]struct{}
	updatedAt  time.Time
}

// NewProvider creates a Provider. metered may be nil, in which case metered
// lookups fail and the evaluator treats them as unmetered.
func NewProvider(metered MeteredResolver, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		metered:    metered,
		logger:     logger.With("component", "devicestate"),
		foreground: make(map[int]struct{}),
		paused:     make(map[int]struct{}),
	}
}

// SetNetworkSource makes the VPN lockdown flag of the network snapshot
// count as lockdown. It must be called before the provider is shared.
func (p *Provider) SetNetworkSource(src NetworkSource) {
	p.networks = src
}

// IsLockdownActive reports whether lockdown mode is active, either set
// manually or reported by the network snapshot.
func (p *Provider) IsLockdownActive() (bool, error) {
	p.mu.RLock()
	manual := p.lockdown
	p.mu.RUnlock()
	return manual || p.vpnLockdown(), nil
}

func (p *Provider) vpnLockdown() bool {
	if p.networks == nil {
		return false
	}
	n := p.networks.Current()
	return n != nil && n.VPNLockdown
}

// IsDeviceLocked reports whether the device screen is locked.
func (p *Provider) IsDeviceLocked() (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.locked, nil
}

// IsAppPaused reports whether the app is paused.
func (p *Provider) IsAppPaused(appID int) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.paused[appID]
	return ok, nil
}

// IsAppForeground reports whether the app is in the foreground.
func (p *Provider) IsAppForeground(appID int) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.foreground[appID]
	return ok, nil
}

// IsDestinationMetered reports whether ip is reached over a metered link.
func (p *Provider) IsDestinationMetered(ip netip.Addr) (bool, error) {
	if p.metered == nil {
		return false, ErrNoMeteredSource
	}
	return p.metered.IsMetered(ip)
}

// SetDeviceLocked records the screen lock state.
func (p *Provider) SetDeviceLocked(locked bool) {
	p.mu.Lock()
	changed := p.locked != locked
	p.locked = locked
	p.updatedAt = time.Now()
	p.mu.Unlock()
	if changed {
		p.logger.Info("device lock changed", "locked", locked)
	}
}

// SetLockdown records the lockdown mode.
func (p *Provider) SetLockdown(active bool) {
	p.mu.Lock()
	changed := p.lockdown != active
	p.lockdown = active
	p.updatedAt = time.Now()
	p.mu.Unlock()
	if changed {
		p.logger.Info("lockdown changed", "active", active)
	}
}

// SetAppForeground marks an app as in the foreground or background.
func (p *Provider) SetAppForeground(appID int, foreground bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	setMember(p.foreground, appID, foreground)
	p.updatedAt = time.Now()
}

// SetAppPaused pauses or resumes an app.
func (p *Provider) SetAppPaused(appID int, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	setMember(p.paused, appID, paused)
	p.updatedAt = time.Now()
}

func setMember(set map[int]struct{}, id int, on bool) {
	if on {
		set[id] = struct{}{}
	} else {
		delete(set, id)
	}
}

// Snapshot is a point-in-time copy of the device signals.
type Snapshot struct {
	Locked      bool      `json:"locked"`
	Lockdown    bool      `json:"lockdown"`
	VPNLockdown bool      `json:"vpn_lockdown"`
	Foreground  []int     `json:"foreground"`
	Paused      []int     `json:"paused"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot returns the current device signals with app ids sorted.
func (p *Provider) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Locked:      p.locked,
		Lockdown:    p.lockdown,
		VPNLockdown: p.vpnLockdown(),
		Foreground:  sortedIDs(p.foreground),
		Paused:      sortedIDs(p.paused),
		UpdatedAt:   p.updatedAt,
	}
}

func sortedIDs(set map[int]struct{}) []int {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
