package binding

import (
	"io"
	"log/slog"
	"sync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockCall records a single method invocation on mockOps.
type mockCall struct {
	Method string
	Args   []interface{}
}

// mockOps is a test double for SocketOps.
type mockOps struct {
	mu sync.Mutex

	calls []mockCall

	markErr error
	// bindErrs fails BindToDevice for the named interfaces.
	bindErrs map[string]error
}

func newMockOps() *mockOps {
	return &mockOps{bindErrs: make(map[string]error)}
}

func (m *mockOps) Mark(fd int, mark uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{Method: "Mark", Args: []interface{}{fd, mark}})
	return m.markErr
}

func (m *mockOps) BindToDevice(fd int, ifname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{Method: "BindToDevice", Args: []interface{}{fd, ifname}})
	return m.bindErrs[ifname]
}

func (m *mockOps) callsFor(method string) []mockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockCall
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockOps) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// boundTo returns the interfaces passed to BindToDevice, in order.
func (m *mockOps) boundTo() []string {
	var out []string
	for _, c := range m.callsFor("BindToDevice") {
		out = append(out, c.Args[1].(string))
	}
	return out
}
