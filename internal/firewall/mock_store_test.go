package firewall

import (
	"io"
	"log/slog"
	"math"
	"net/netip"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type domainKey struct {
	scope  int
	domain string
}

type ipKey struct {
	scope int
	ip    netip.Addr
	port  uint16
}

// mockStore is a test double for RuleStore.
type mockStore struct {
	mu sync.Mutex

	status      map[int]AppFirewallStatus
	connStatus  map[int]AppConnectionStatus
	tempAllowed map[int]bool
	known       map[int]bool
	domains     map[domainKey]RuleStatus
	ips         map[ipKey]RuleStatus

	// lookupErr is returned by every lookup when set.
	lookupErr error

	// panicOn makes AppFirewallStatus panic for the given app. It defaults
	// to an id no connection carries.
	panicOn int

	registered []int
	// onRegister runs inside RegisterNewApp when set.
	onRegister func(appID int)
}

func newMockStore() *mockStore {
	return &mockStore{
		status:      make(map[int]AppFirewallStatus),
		connStatus:  make(map[int]AppConnectionStatus),
		tempAllowed: make(map[int]bool),
		known:       make(map[int]bool),
		domains:     make(map[domainKey]RuleStatus),
		ips:         make(map[ipKey]RuleStatus),
		panicOn:     math.MinInt,
	}
}

func (m *mockStore) addApp(appID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[appID] = true
}

func (m *mockStore) setStatus(appID int, st AppFirewallStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[appID] = true
	m.status[appID] = st
}

func (m *mockStore) setConnStatus(appID int, st AppConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[appID] = true
	m.connStatus[appID] = st
}

func (m *mockStore) setDomain(scope int, domain string, st RuleStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[domainKey{scope, domain}] = st
}

func (m *mockStore) setIP(scope int, ip string, port uint16, st RuleStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ips[ipKey{scope, netip.MustParseAddr(ip), port}] = st
}

func (m *mockStore) AppFirewallStatus(appID int) (AppFirewallStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if appID == m.panicOn {
		panic("store corrupted")
	}
	if m.lookupErr != nil {
		return StatusNone, m.lookupErr
	}
	return m.status[appID], nil
}

func (m *mockStore) AppConnectionStatus(appID int) (AppConnectionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return ConnAllow, m.lookupErr
	}
	return m.connStatus[appID], nil
}

func (m *mockStore) IsTempAllowed(appID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return false, m.lookupErr
	}
	return m.tempAllowed[appID], nil
}

func (m *mockStore) IsKnownApp(appID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return false, m.lookupErr
	}
	return m.known[appID], nil
}

func (m *mockStore) DomainRuleStatus(scope int, domain string) (RuleStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return RuleNone, m.lookupErr
	}
	return m.domains[domainKey{scope, domain}], nil
}

func (m *mockStore) IPRuleStatus(scope int, ip netip.Addr, port uint16) (RuleStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return RuleNone, m.lookupErr
	}
	if st, ok := m.ips[ipKey{scope, ip, port}]; ok {
		return st, nil
	}
	return m.ips[ipKey{scope, ip, 0}], nil
}

func (m *mockStore) RegisterNewApp(appID int) {
	m.mu.Lock()
	m.registered = append(m.registered, appID)
	fn := m.onRegister
	m.mu.Unlock()
	if fn != nil {
		fn(appID)
	}
}

func (m *mockStore) registeredApps() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.registered))
	copy(out, m.registered)
	return out
}

// mockDevice is a test double for DeviceState.
type mockDevice struct {
	mu sync.Mutex

	lockdown   bool
	locked     bool
	paused     map[int]bool
	foreground map[int]bool
	metered    map[netip.Addr]bool
	allMetered bool

	// foregroundAfter makes IsAppForeground return true once it has been
	// polled this many times.
	foregroundAfter int
	foregroundPolls int

	err error
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		paused:     make(map[int]bool),
		foreground: make(map[int]bool),
		metered:    make(map[netip.Addr]bool),
	}
}

func (d *mockDevice) IsLockdownActive() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lockdown, d.err
}

func (d *mockDevice) IsAppPaused(appID int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused[appID], d.err
}

func (d *mockDevice) IsDestinationMetered(ip netip.Addr) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allMetered || d.metered[ip], d.err
}

func (d *mockDevice) IsAppForeground(appID int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.foregroundPolls++
	if d.foregroundAfter > 0 && d.foregroundPolls >= d.foregroundAfter {
		return true, d.err
	}
	return d.foreground[appID], d.err
}

func (d *mockDevice) IsDeviceLocked() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked, d.err
}

// fakeClock advances virtual time on every After call and fires at once.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  time.Duration
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	c.sleeps = append(c.sleeps, d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) totalSlept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// blockingClock never fires; used to exercise context cancellation.
type blockingClock struct{}

func (blockingClock) Now() time.Time                       { return time.Unix(1_700_000_000, 0) }
func (blockingClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
