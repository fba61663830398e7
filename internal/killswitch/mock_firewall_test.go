package killswitch

import "sync"

// mockCall records a single method invocation on mockFirewall.
type mockCall struct {
	Method string
	Args   []interface{}
}

// mockFirewall is a test double for Firewall.
type mockFirewall struct {
	mu sync.Mutex

	calls []mockCall

	installErr error
	removeErr  error
}

func (m *mockFirewall) Install(table string, rules Rules) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{Method: "Install", Args: []interface{}{table, rules}})
	return m.installErr
}

func (m *mockFirewall) Remove(table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{Method: "Remove", Args: []interface{}{table}})
	return m.removeErr
}

func (m *mockFirewall) methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		out = append(out, c.Method)
	}
	return out
}
