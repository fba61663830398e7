package ctlapi

import (
	"context"
	"sync"

	"github.com/tunguard/tunguard/internal/binding"
	"github.com/tunguard/tunguard/internal/connpolicy"
	"github.com/tunguard/tunguard/internal/firewall"
	"github.com/tunguard/tunguard/internal/routing"
	"github.com/tunguard/tunguard/internal/wireguard"
)

type mockDecider struct {
	mu      sync.Mutex
	reqs    []connpolicy.Request
	verdict connpolicy.Verdict
}

func (m *mockDecider) Decide(_ context.Context, req connpolicy.Request) connpolicy.Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	return m.verdict
}

func (m *mockDecider) Stats() []connpolicy.RulesetCount {
	return []connpolicy.RulesetCount{{Ruleset: firewall.RuleAllow, Count: 3}}
}

func (m *mockDecider) last() connpolicy.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[len(m.reqs)-1]
}

func allowVerdict() connpolicy.Verdict {
	return connpolicy.Verdict{
		Ruleset: firewall.RuleAllow,
		Routing: routing.Decision{ProxyIDs: []string{routing.ProxyExit}, Reason: routing.ReasonNoProxyActive},
	}
}

type mockNetworks struct {
	snap *binding.UnderlyingNetworks
}

func (m *mockNetworks) Current() *binding.UnderlyingNetworks { return m.snap }

type mockHops []wireguard.HopStatus

func (m mockHops) Statuses() []wireguard.HopStatus { return m }

type mockKillSwitch struct {
	mu      sync.Mutex
	engaged bool
	calls   []bool
}

func (m *mockKillSwitch) SetLockdown(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, active)
	m.engaged = active
}

func (m *mockKillSwitch) Engaged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engaged
}

type binderCall struct {
	Op  string
	Who string
	Dst string
}

type mockBinder struct {
	mu     sync.Mutex
	result bool
	onFD   func(fd int)
	calls  []binderCall
}

func (m *mockBinder) record(op, who, dst string, fd int) {
	if m.onFD != nil {
		m.onFD(fd)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, binderCall{Op: op, Who: who, Dst: dst})
}

func (m *mockBinder) Protect(who string, fd int) {
	m.record(FDOpProtect, who, "", fd)
}

func (m *mockBinder) Bind4(who, addrPort string, fd int) bool {
	m.record(FDOpBind4, who, addrPort, fd)
	return m.result
}

func (m *mockBinder) Bind6(who, addrPort string, fd int) bool {
	m.record(FDOpBind6, who, addrPort, fd)
	return m.result
}

func (m *mockBinder) recorded() []binderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]binderCall(nil), m.calls...)
}
