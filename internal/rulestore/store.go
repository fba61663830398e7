// Package rulestore holds the app table and the domain and IP rules the
// firewall evaluates against. Readers see an immutable generation through
// an atomic pointer; writers publish a modified copy.
package rulestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunguard/tunguard/internal/firewall"
	"github.com/tunguard/tunguard/internal/fsutil"
)

// ErrNotLoaded is returned by lookups before the first successful Load.
var ErrNotLoaded = errors.New("rulestore: not loaded")

// ErrUnknownApp is returned when modifying an app the store does not know.
var ErrUnknownApp = errors.New("rulestore: unknown app")

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the rule and app state store. It implements firewall.RuleStore.
type Store struct {
	cfg    Config
	logger *slog.Logger
	clock  Clock

	cur atomic.Pointer[state]

	// mu serializes writers and guards the fields below.
	mu          sync.Mutex
	loadedAt    time.Time
	lastWritten []byte
	subs        map[chan struct{}]struct{}

	// writeMu serializes file writes without holding up writers of the
	// in-memory state.
	writeMu   sync.Mutex
	persistCh chan struct{}
}

// New creates a Store. Config defaults are applied automatically. The
// store is empty until Load succeeds.
func New(cfg Config, logger *slog.Logger) *Store {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:       cfg,
		logger:    logger.With("component", "rulestore"),
		clock:     realClock{},
		subs:      make(map[chan struct{}]struct{}),
		persistCh: make(chan struct{}, 1),
	}
}

// SetClock sets a custom clock implementation for testing.
func (s *Store) SetClock(c Clock) {
	s.clock = c
}

// Load reads the rules file. A missing file yields an empty store, which
// is created on the first persist.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("rules file not found, starting empty", "path", s.cfg.Path)
		s.publish(newState(), nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("rulestore: load %s: %w", s.cfg.Path, err)
	}
	return s.LoadBytes(data)
}

// LoadBytes replaces the store contents with a parsed rules document.
func (s *Store) LoadBytes(data []byte) error {
	st, err := parseRules(data)
	if err != nil {
		return err
	}
	s.publish(st, data)
	s.logger.Info("rules loaded",
		"apps", len(st.apps),
		"domain_rules", len(st.domains),
		"ip_rules", len(st.ips),
	)
	return nil
}

func (s *Store) publish(st *state, raw []byte) {
	s.mu.Lock()
	s.cur.Store(st)
	s.loadedAt = s.clock.Now()
	if raw != nil {
		s.lastWritten = raw
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// Reload re-reads the rules file unless it still holds what the store
// last read or wrote.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("rulestore: reload %s: %w", s.cfg.Path, err)
	}
	s.mu.Lock()
	same := bytes.Equal(data, s.lastWritten)
	s.mu.Unlock()
	if same {
		return nil
	}
	return s.LoadBytes(data)
}

func (s *Store) load() (*state, error) {
	st := s.cur.Load()
	if st == nil {
		return nil, ErrNotLoaded
	}
	return st, nil
}

// AppFirewallStatus returns the firewall mode of an app.
func (s *Store) AppFirewallStatus(appID int) (firewall.AppFirewallStatus, error) {
	st, err := s.load()
	if err != nil {
		return firewall.StatusNone, err
	}
	return st.apps[appID].Firewall, nil
}

// AppConnectionStatus returns the network classes an app is blocked on.
func (s *Store) AppConnectionStatus(appID int) (firewall.AppConnectionStatus, error) {
	st, err := s.load()
	if err != nil {
		return firewall.ConnAllow, err
	}
	return st.apps[appID].Connection, nil
}

// IsTempAllowed reports whether the app has an unexpired temporary allow.
func (s *Store) IsTempAllowed(appID int) (bool, error) {
	st, err := s.load()
	if err != nil {
		return false, err
	}
	until := st.apps[appID].TempAllowedUntil
	return !until.IsZero() && s.clock.Now().Before(until), nil
}

// IsKnownApp reports whether the app is in the app table.
func (s *Store) IsKnownApp(appID int) (bool, error) {
	st, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := st.apps[appID]
	return ok, nil
}

// DomainRuleStatus returns the rule for domain in scope.
func (s *Store) DomainRuleStatus(scope int, domain string) (firewall.RuleStatus, error) {
	st, err := s.load()
	if err != nil {
		return firewall.RuleNone, err
	}
	return st.domainStatus(scope, domain), nil
}

// IPRuleStatus returns the rule for ip:port in scope.
func (s *Store) IPRuleStatus(scope int, ip netip.Addr, port uint16) (firewall.RuleStatus, error) {
	st, err := s.load()
	if err != nil {
		return firewall.RuleNone, err
	}
	return st.ipStatus(scope, ip, port), nil
}

// RegisterNewApp adds an app seen for the first time. With block-new-apps
// on it starts out blocked on both network classes until classified. It
// never performs I/O; persistence happens in Run.
func (s *Store) RegisterNewApp(appID int) {
	if !firewall.ValidAppID(appID) {
		return
	}
	added := s.update(func(st *state) bool {
		if _, ok := st.apps[appID]; ok {
			return false
		}
		app := App{ID: appID}
		if st.settings.BlockNewApps {
			app.Connection = firewall.ConnBoth
		}
		st.apps[appID] = app
		return true
	})
	if added {
		s.logger.Info("new app registered", "app_id", appID)
	}
}

// SetAppConnectionStatus sets the network classes an app is blocked on.
func (s *Store) SetAppConnectionStatus(appID int, cs firewall.AppConnectionStatus) error {
	return s.modifyApp(appID, func(a *App) { a.Connection = cs })
}

// SetAppFirewallStatus sets the firewall mode of an app.
func (s *Store) SetAppFirewallStatus(appID int, fs firewall.AppFirewallStatus) error {
	return s.modifyApp(appID, func(a *App) { a.Firewall = fs })
}

// SetTempAllowed allows an app until the given time. A zero time clears it.
func (s *Store) SetTempAllowed(appID int, until time.Time) error {
	return s.modifyApp(appID, func(a *App) { a.TempAllowedUntil = until })
}

func (s *Store) modifyApp(appID int, fn func(*App)) error {
	if s.cur.Load() == nil {
		return ErrNotLoaded
	}
	var found bool
	s.update(func(st *state) bool {
		a, ok := st.apps[appID]
		if !ok {
			return false
		}
		found = true
		fn(&a)
		st.apps[appID] = a
		return true
	})
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownApp, appID)
	}
	return nil
}

// update applies fn to a copy of the app table and publishes it when fn
// reports a change.
func (s *Store) update(fn func(*state) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cur.Load()
	if cur == nil {
		cur = newState()
		cur.index()
	}
	next := cur.withApps()
	if !fn(next) {
		return false
	}
	s.cur.Store(next)
	s.notifyLocked()
	if !s.cfg.DisablePersist {
		select {
		case s.persistCh <- struct{}{}:
		default:
		}
	}
	return true
}

// Settings returns the global toggles.
func (s *Store) Settings() firewall.Settings {
	st := s.cur.Load()
	if st == nil {
		return firewall.DefaultSettings()
	}
	out := st.settings
	out.Proxy = cloneProxy(st.settings.Proxy)
	return out
}

// SelfAppID returns the app id of the agent's own traffic.
func (s *Store) SelfAppID() int {
	if st := s.cur.Load(); st != nil {
		return st.selfAppID
	}
	return firewall.InvalidAppID
}

// RouteSelfThroughProxy reports whether own traffic is firewalled and proxied.
func (s *Store) RouteSelfThroughProxy() bool {
	if st := s.cur.Load(); st != nil {
		return st.routeSelf
	}
	return false
}

// App returns the stored app.
func (s *Store) App(appID int) (App, bool) {
	st := s.cur.Load()
	if st == nil {
		return App{}, false
	}
	a, ok := st.apps[appID]
	a.HopChain = slices.Clone(a.HopChain)
	return a, ok
}

// Snapshot returns a copy of the whole store.
func (s *Store) Snapshot() Snapshot {
	st := s.cur.Load()
	s.mu.Lock()
	loadedAt := s.loadedAt
	s.mu.Unlock()
	if st == nil {
		return newState().snapshot(loadedAt)
	}
	return st.snapshot(loadedAt)
}

// Subscribe returns a channel that receives a value after every change.
// Notifications coalesce; a slow reader sees one pending value. Call the
// returned function to unsubscribe.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func (s *Store) notifyLocked() {
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Persist writes the current contents to the rules file.
func (s *Store) Persist() error {
	st := s.cur.Load()
	if st == nil {
		return ErrNotLoaded
	}
	data, err := marshalRules(st)
	if err != nil {
		return err
	}
	dir, name := filepath.Split(s.cfg.Path)
	if dir == "" {
		dir = "."
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := fsutil.WriteFileAtomic(dir, name, data, 0o600); err != nil {
		return fmt.Errorf("rulestore: persist: %w", err)
	}
	s.mu.Lock()
	s.lastWritten = data
	s.mu.Unlock()
	return nil
}

// Run persists runtime changes and, unless disabled, reloads the rules
// file when it changes. It blocks until ctx is cancelled and flushes a
// pending persist before returning.
func (s *Store) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if !s.cfg.DisableWatch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.watch(ctx); err != nil {
				s.logger.Warn("rules file watch stopped", "error", err)
			}
		}()
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			select {
			case <-s.persistCh:
				s.persistAndLog()
			default:
			}
			return ctx.Err()
		case <-s.persistCh:
			s.persistAndLog()
		}
	}
}

func (s *Store) persistAndLog() {
	if err := s.Persist(); err != nil {
		s.logger.Error("persist failed", "path", s.cfg.Path, "error", err)
		return
	}
	s.logger.Debug("rules persisted", "path", s.cfg.Path)
}
