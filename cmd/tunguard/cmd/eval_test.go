package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tunguard/tunguard/internal/ctlapi"
	"github.com/tunguard/tunguard/internal/firewall"
	"github.com/tunguard/tunguard/internal/routing"
)

const evalRules = `
self_app_id: 10123
settings:
  block_new_apps: true
apps:
  - id: 42
    name: com.example.browser
  - id: 7
    connection: both
  - id: 9
    hop_chain: [Block]
domain_rules:
  - domain: "*.ads.example"
    status: block
ip_rules:
  - ip: 1.2.3.4
    status: block
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setEvalOpts(t *testing.T, rules string, req ctlapi.DecideRequest) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(rules), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	prev := evalOpts
	t.Cleanup(func() { evalOpts = prev })
	evalOpts.rules = path
	evalOpts.req = req
	evalOpts.wait = 20 * time.Millisecond
}

func TestEvaluateOffline(t *testing.T) {
	tests := []struct {
		name        string
		req         ctlapi.DecideRequest
		wantRuleset firewall.Ruleset
		wantBlocked bool
		wantReason  routing.Reason
	}{
		{
			name:        "known app allowed",
			req:         ctlapi.DecideRequest{AppID: 42, Dst: "9.9.9.9:443"},
			wantRuleset: firewall.RuleAllow,
			wantReason:  routing.ReasonNoProxyActive,
		},
		{
			name:        "app blocked on both networks",
			req:         ctlapi.DecideRequest{AppID: 7, Dst: "9.9.9.9:443"},
			wantRuleset: firewall.RuleAppBlocked,
			wantBlocked: true,
		},
		{
			name:        "global ip block",
			req:         ctlapi.DecideRequest{AppID: 42, Dst: "1.2.3.4:80"},
			wantRuleset: firewall.RuleUniversalIPBlocked,
			wantBlocked: true,
		},
		{
			name:        "global wildcard domain block",
			req:         ctlapi.DecideRequest{AppID: 42, Dst: "5.6.7.8:443", Domains: "x.ads.example"},
			wantRuleset: firewall.RuleUniversalDomainBlk,
			wantBlocked: true,
		},
		{
			name:        "unclassified new app times out",
			req:         ctlapi.DecideRequest{AppID: 500, Dst: "9.9.9.9:443"},
			wantRuleset: firewall.RuleNewAppBlocked,
			wantBlocked: true,
		},
		{
			name:        "block hop",
			req:         ctlapi.DecideRequest{AppID: 9, Dst: "9.9.9.9:443"},
			wantRuleset: firewall.RuleWireGuardBlocked,
			wantBlocked: true,
			wantReason:  routing.ReasonWireGuardHops,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEvalOpts(t, evalRules, tt.req)

			v, err := evaluateOffline(context.Background(), discardLogger())
			if err != nil {
				t.Fatalf("evaluateOffline: %v", err)
			}
			if v.Ruleset != tt.wantRuleset {
				t.Errorf("Ruleset = %s, want %s", v.Ruleset, tt.wantRuleset)
			}
			if v.Blocked != tt.wantBlocked {
				t.Errorf("Blocked = %v, want %v", v.Blocked, tt.wantBlocked)
			}
			if tt.wantReason != "" && v.Routing.Reason != tt.wantReason {
				t.Errorf("Reason = %s, want %s", v.Routing.Reason, tt.wantReason)
			}
		})
	}
}

func TestEvaluateOffline_DeviceLocked(t *testing.T) {
	rules := strings.Replace(evalRules, "block_new_apps: true", "block_new_apps: true\n  block_when_device_locked: true", 1)
	setEvalOpts(t, rules, ctlapi.DecideRequest{AppID: 42, Dst: "9.9.9.9:443"})
	evalOpts.locked = true

	v, err := evaluateOffline(context.Background(), discardLogger())
	if err != nil {
		t.Fatalf("evaluateOffline: %v", err)
	}
	if v.Ruleset != firewall.RuleDeviceLocked {
		t.Errorf("Ruleset = %s, want %s", v.Ruleset, firewall.RuleDeviceLocked)
	}
}

func TestEvaluateOffline_Errors(t *testing.T) {
	setEvalOpts(t, evalRules, ctlapi.DecideRequest{AppID: 42, Dst: "not-an-addr"})
	if _, err := evaluateOffline(context.Background(), discardLogger()); err == nil {
		t.Error("bad dst: expected error")
	}

	setEvalOpts(t, "apps: [", ctlapi.DecideRequest{AppID: 42, Dst: "9.9.9.9:443"})
	if _, err := evaluateOffline(context.Background(), discardLogger()); err == nil {
		t.Error("bad rules file: expected error")
	}
}

func TestEvalCommand_LeavesRulesFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(evalRules), 0o600); err != nil {
		t.Fatal(err)
	}
	prev := evalOpts
	t.Cleanup(func() { evalOpts = prev })

	output, err := executeCmd(t, "eval", "--rules", path, "--app", "500", "--dst", "9.9.9.9:443", "--wait", "10ms")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !strings.Contains(output, "Ruleset:  RULE1B") {
		t.Errorf("eval output = %s, want RULE1B", output)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != evalRules {
		t.Error("eval modified the rules file")
	}
}
