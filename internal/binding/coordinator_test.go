package binding

import (
	"errors"
	"net/netip"
	"slices"
	"sync"
	"testing"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *mockOps) {
	t.Helper()
	ops := newMockOps()
	c, err := NewCoordinator(ops, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c, ops
}

func testNetworks() *UnderlyingNetworks {
	return &UnderlyingNetworks{
		IPv4Nets: []Network{
			{Name: "wlan0", Index: 3, MTU: 1500, Addrs: []netip.Prefix{netip.MustParsePrefix("192.168.1.20/24")}},
			{Name: "rmnet0", Index: 4, MTU: 1400, Metered: true, Addrs: []netip.Prefix{netip.MustParsePrefix("10.20.0.5/16")}},
		},
		IPv6Nets: []Network{
			{Name: "rmnet0", Index: 4, MTU: 1400, Metered: true, Addrs: []netip.Prefix{netip.MustParsePrefix("2001:db8:1::5/64")}},
		},
		DNSServerToNetwork: map[netip.Addr]string{
			netip.MustParseAddr("10.20.0.1"): "rmnet0",
		},
		MinMTU: 1400,
	}
}

func TestCoordinator_ProtectSetsMark(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{ProtectMark: 0x99})
	c.Protect("rethink", 12)

	marks := ops.callsFor("Mark")
	if len(marks) != 1 {
		t.Fatalf("Mark calls = %d, want 1", len(marks))
	}
	if marks[0].Args[0] != 12 || marks[0].Args[1] != uint32(0x99) {
		t.Errorf("Mark args = %v, want [12 153]", marks[0].Args)
	}
}

func TestCoordinator_BindSkipsLocalDestinations(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{ExcludedPrefixes: []string{"10.111.222.0/24"}})
	c.SetNetworks(testNetworks())

	for _, dst := range []string{
		"0.0.0.0:443",
		"127.0.0.1:53",
		"[::]:443",
		"[::1]:443",
		"10.111.222.3:53",
		"[::ffff:127.0.0.1]:80",
	} {
		bind := c.Bind4
		if netip.MustParseAddrPort(dst).Addr().Is6() {
			bind = c.Bind6
		}
		if !bind("app", dst, 7) {
			t.Errorf("bind(%s) = false, want true", dst)
		}
	}
	if n := ops.callCount(); n != 0 {
		t.Errorf("socket ops = %d, want 0", n)
	}
}

func TestCoordinator_BindProtectsFirst(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	c.SetNetworks(testNetworks())

	if !c.Bind4("app", "93.184.216.34:443", 9) {
		t.Fatal("Bind4() = false, want true")
	}
	ops.mu.Lock()
	first := ops.calls[0].Method
	ops.mu.Unlock()
	if first != "Mark" {
		t.Errorf("first op = %s, want Mark", first)
	}
}

func TestCoordinator_BindFirstCandidate(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	c.SetNetworks(testNetworks())

	if !c.Bind4("app", "93.184.216.34:443", 9) {
		t.Fatal("Bind4() = false, want true")
	}
	if got := ops.boundTo(); !slices.Equal(got, []string{"wlan0"}) {
		t.Errorf("bound to %v, want [wlan0]", got)
	}
}

func TestCoordinator_BindFallsThroughFailedCandidates(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	c.SetNetworks(testNetworks())
	ops.bindErrs["wlan0"] = errors.New("no such device")

	if !c.Bind4("app", "93.184.216.34:443", 9) {
		t.Fatal("Bind4() = false, want true")
	}
	if got := ops.boundTo(); !slices.Equal(got, []string{"wlan0", "rmnet0"}) {
		t.Errorf("bound to %v, want [wlan0 rmnet0]", got)
	}
}

func TestCoordinator_BindAllCandidatesFail(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	c.SetNetworks(testNetworks())
	ops.bindErrs["wlan0"] = errors.New("down")
	ops.bindErrs["rmnet0"] = errors.New("down")

	if c.Bind4("app", "93.184.216.34:443", 9) {
		t.Error("Bind4() = true, want false")
	}
}

func TestCoordinator_Bind6UsesIPv6Networks(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	c.SetNetworks(testNetworks())

	if !c.Bind6("app", "[2606:2800:220:1::1]:443", 9) {
		t.Fatal("Bind6() = false, want true")
	}
	if got := ops.boundTo(); !slices.Equal(got, []string{"rmnet0"}) {
		t.Errorf("bound to %v, want [rmnet0]", got)
	}
}

func TestCoordinator_BindDNSServerMapping(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	c.SetNetworks(testNetworks())

	if !c.Bind4("dns", "10.20.0.1:53", 9) {
		t.Fatal("Bind4() = false, want true")
	}
	if got := ops.boundTo(); !slices.Equal(got, []string{"rmnet0"}) {
		t.Errorf("bound to %v, want [rmnet0]", got)
	}
}

func TestCoordinator_BindDNSMappingOnlyForDNSPorts(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	c.SetNetworks(testNetworks())

	if !c.Bind4("app", "10.20.0.1:443", 9) {
		t.Fatal("Bind4() = false, want true")
	}
	if got := ops.boundTo(); !slices.Equal(got, []string{"wlan0"}) {
		t.Errorf("bound to %v, want [wlan0]", got)
	}
}

func TestCoordinator_BindUseActive(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	n := testNetworks()
	n.UseActive = true
	n.Active = "rmnet0"
	c.SetNetworks(n)

	if !c.Bind4("app", "93.184.216.34:443", 9) {
		t.Fatal("Bind4() = false, want true")
	}
	if got := ops.boundTo(); !slices.Equal(got, []string{"rmnet0"}) {
		t.Errorf("bound to %v, want [rmnet0]", got)
	}
}

func TestCoordinator_BindUseActiveWithoutActiveNetwork(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	c.SetNetworks(&UnderlyingNetworks{UseActive: true})

	if !c.Bind4("app", "93.184.216.34:443", 9) {
		t.Fatal("Bind4() = false, want true")
	}
	if got := ops.boundTo(); len(got) != 0 {
		t.Errorf("bound to %v, want none", got)
	}
}

func TestCoordinator_BindWithoutSnapshot(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})

	if c.Bind4("app", "93.184.216.34:443", 9) {
		t.Error("Bind4() = true with no networks, want false")
	}
}

func TestCoordinator_BindProtectFailure(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	c.SetNetworks(testNetworks())
	ops.markErr = errors.New("operation not permitted")

	if c.Bind4("app", "93.184.216.34:443", 9) {
		t.Error("Bind4() = true, want false")
	}
	if got := ops.boundTo(); len(got) != 0 {
		t.Errorf("bound to %v after failed protect, want none", got)
	}
}

func TestCoordinator_BindInvalidDestination(t *testing.T) {
	c, ops := newTestCoordinator(t, Config{})
	c.SetNetworks(testNetworks())

	if c.Bind4("app", "not-an-address", 9) {
		t.Error("Bind4() = true, want false")
	}
	if marks := ops.callsFor("Mark"); len(marks) != 1 || marks[0].Args[0] != 9 {
		t.Errorf("Mark calls = %v, want one for fd 9", marks)
	}
	if got := ops.boundTo(); len(got) != 0 {
		t.Errorf("bound to %v for an invalid destination, want none", got)
	}
}

func TestCoordinator_SetNetworksCopies(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	n := testNetworks()
	c.SetNetworks(n)

	n.IPv4Nets[0].Name = "mutated"
	n.DNSServerToNetwork[netip.MustParseAddr("1.1.1.1")] = "x"

	got := c.Networks()
	if got.IPv4Nets[0].Name != "wlan0" {
		t.Errorf("snapshot aliased caller slice: %q", got.IPv4Nets[0].Name)
	}
	if len(got.DNSServerToNetwork) != 1 {
		t.Errorf("snapshot aliased caller map: %v", got.DNSServerToNetwork)
	}
}

func TestCoordinator_ConcurrentBindAndRefresh(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.SetNetworks(testNetworks())
			}
		}()
		go func(fd int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Bind4("app", "93.184.216.34:443", fd)
			}
		}(i)
	}
	wg.Wait()
}

func TestUnderlyingNetworks_MeteredFor(t *testing.T) {
	n := testNetworks()

	metered, found := n.MeteredFor(netip.MustParseAddr("10.20.3.3"))
	if !found || !metered {
		t.Errorf("MeteredFor(10.20.3.3) = %v, %v, want true, true", metered, found)
	}
	metered, found = n.MeteredFor(netip.MustParseAddr("192.168.1.1"))
	if !found || metered {
		t.Errorf("MeteredFor(192.168.1.1) = %v, %v, want false, true", metered, found)
	}
	if _, found = n.MeteredFor(netip.MustParseAddr("8.8.8.8")); found {
		t.Error("MeteredFor(8.8.8.8) found a network")
	}
}

func TestConfig_ValidateRejectsBadPrefix(t *testing.T) {
	cfg := Config{ProtectMark: 1, ExcludedPrefixes: []string{"10.0.0.0/33"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error")
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.ProtectMark != DefaultProtectMark {
		t.Errorf("ProtectMark = %#x, want %#x", cfg.ProtectMark, DefaultProtectMark)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
