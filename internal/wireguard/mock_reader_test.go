package wireguard

import (
	"fmt"
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// mockCall records a single method invocation on mockReader.
type mockCall struct {
	Method string
	Args   []interface{}
}

// mockReader is a test double for DeviceReader.
type mockReader struct {
	mu sync.Mutex

	calls   []mockCall
	devices map[string]*wgtypes.Device
	errs    map[string]error
}

func newMockReader() *mockReader {
	return &mockReader{
		devices: make(map[string]*wgtypes.Device),
		errs:    make(map[string]error),
	}
}

func (m *mockReader) Device(name string) (*wgtypes.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{Method: "Device", Args: []interface{}{name}})
	if err := m.errs[name]; err != nil {
		return nil, err
	}
	dev, ok := m.devices[name]
	if !ok {
		return nil, fmt.Errorf("wireguard: device %s: %w", name, os.ErrNotExist)
	}
	return dev, nil
}

func (m *mockReader) setDevice(name string, handshakes ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev := &wgtypes.Device{Name: name, Type: wgtypes.LinuxKernel}
	for _, unix := range handshakes {
		var peer wgtypes.Peer
		if unix > 0 {
			peer.LastHandshakeTime = timeAt(unix)
		}
		dev.Peers = append(dev.Peers, peer)
	}
	m.devices[name] = dev
}

func (m *mockReader) probed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		out = append(out, c.Args[0].(string))
	}
	return out
}
