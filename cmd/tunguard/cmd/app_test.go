package cmd

import (
	"strings"
	"testing"

	"github.com/tunguard/tunguard/internal/ctlapi"
)

func resetAppSet(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		appSet.connection = ""
		appSet.firewall = ""
		appSet.tempAllow = ""
		appSet.foreground = ""
		appSet.paused = ""
	})
}

func TestAppShowCommand(t *testing.T) {
	agent := startFakeAgent(t, ctlapi.StateResponse{}, ctlapi.DecideResponse{})

	output, err := executeCmd(t, "app", "show", "42", "--socket", agent.socketPath)
	if err != nil {
		t.Fatalf("app show: %v", err)
	}
	for _, want := range []string{"com.example.browser", "Hop chain:   wg1 -> wg2"} {
		if !strings.Contains(output, want) {
			t.Errorf("app show output missing %q, got:\n%s", want, output)
		}
	}

	_, err = executeCmd(t, "app", "show", "99", "--socket", agent.socketPath)
	if err == nil || !strings.Contains(err.Error(), "not found (404)") {
		t.Errorf("app show 99 = %v, want not found", err)
	}
}

func TestAppSetCommand_SendsOnlyGivenFlags(t *testing.T) {
	resetAppSet(t)
	agent := startFakeAgent(t, ctlapi.StateResponse{}, ctlapi.DecideResponse{})

	_, err := executeCmd(t, "app", "set", "42", "--socket", agent.socketPath,
		"--connection", "metered", "--paused", "on")
	if err != nil {
		t.Fatalf("app set: %v", err)
	}

	body, ok := agent.put("/v1/apps/42/connection")
	if !ok || !strings.Contains(string(body), `"metered"`) {
		t.Errorf("connection PUT = %s (sent %v)", body, ok)
	}
	body, ok = agent.put("/v1/apps/42/paused")
	if !ok || !strings.Contains(string(body), `true`) {
		t.Errorf("paused PUT = %s (sent %v)", body, ok)
	}
	if _, ok := agent.put("/v1/apps/42/firewall"); ok {
		t.Error("firewall PUT sent without --firewall")
	}
}

func TestAppUpdates_Validation(t *testing.T) {
	resetAppSet(t)

	if _, err := appUpdates(1); err == nil {
		t.Error("appUpdates with no flags = nil error, want error")
	}

	appSet.tempAllow = "soon"
	if _, err := appUpdates(1); err == nil {
		t.Error("appUpdates with bad duration = nil error, want error")
	}

	appSet.tempAllow = "15m"
	appSet.foreground = "maybe"
	if _, err := appUpdates(1); err == nil {
		t.Error("appUpdates with bad on/off = nil error, want error")
	}

	appSet.foreground = "off"
	updates, err := appUpdates(1)
	if err != nil {
		t.Fatalf("appUpdates: %v", err)
	}
	if len(updates) != 2 || updates[0].path != "/v1/apps/1/temp-allow" || updates[1].path != "/v1/apps/1/foreground" {
		t.Errorf("appUpdates = %+v", updates)
	}
}

func TestDeviceCommand(t *testing.T) {
	agent := startFakeAgent(t, ctlapi.StateResponse{}, ctlapi.DecideResponse{})

	if _, err := executeCmd(t, "device", "lockdown", "on", "--socket", agent.socketPath); err != nil {
		t.Fatalf("device lockdown: %v", err)
	}
	body, ok := agent.put("/v1/device/lockdown")
	if !ok || !strings.Contains(string(body), "true") {
		t.Errorf("lockdown PUT = %s (sent %v)", body, ok)
	}

	if _, err := executeCmd(t, "device", "locked", "sideways", "--socket", agent.socketPath); err == nil {
		t.Error("device locked sideways = nil error, want error")
	}
}
