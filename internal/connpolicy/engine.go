// Package connpolicy turns a connection attempt into a verdict: it runs the
// firewall evaluator, resolves the upstream route and folds the routing
// outcome back into the final ruleset.
package connpolicy

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/tunguard/tunguard/internal/firewall"
	"github.com/tunguard/tunguard/internal/routing"
	"github.com/tunguard/tunguard/internal/rulestore"
)

// Rules is the store view the engine needs on top of firewall.RuleStore.
type Rules interface {
	Settings() firewall.Settings
	SelfAppID() int
	RouteSelfThroughProxy() bool
	App(appID int) (rulestore.App, bool)
}

// Evaluator runs the firewall gate chain.
type Evaluator interface {
	Evaluate(ctx context.Context, conn *firewall.ConnectionAttempt, in firewall.Input) firewall.Ruleset
}

// Request is one connection attempt together with the resolver facts the
// tunnel engine holds for it.
type Request struct {
	Conn firewall.ConnectionAttempt

	// DomainsCSV lists the query names that resolved to the destination.
	DomainsCSV string

	// AnyRealIPBlocked is set when the resolver blocked an IP in the answer.
	AnyRealIPBlocked bool
}

// Verdict is the outcome for one connection.
type Verdict struct {
	Ruleset firewall.Ruleset
	Blocked bool
	Routing routing.Decision

	// QueryDomain is the domain whose rule decided the verdict, if any.
	QueryDomain string
}

// Engine is safe for concurrent use.
type Engine struct {
	eval   Evaluator
	rules  Rules
	logger *slog.Logger

	mu    sync.Mutex
	stats map[firewall.Ruleset]uint64
}

// NewEngine creates an Engine.
func NewEngine(eval Evaluator, rules Rules, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		eval:   eval,
		rules:  rules,
		logger: logger.With("component", "connpolicy"),
		stats:  make(map[firewall.Ruleset]uint64),
	}
}

// Decide evaluates req. The route is resolved for blocked connections too
// so that callers can report where the flow would have gone. A fault while
// deciding fails closed with RuleFailClosed.
func (e *Engine) Decide(ctx context.Context, req Request) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("decision fault, failing closed",
				"conn_id", req.Conn.ID,
				"panic", r,
			)
			v = Verdict{Ruleset: firewall.RuleFailClosed, Blocked: true}
		}
		e.record(v.Ruleset)
	}()

	conn := req.Conn
	uid := conn.OwnerAppID
	settings := e.rules.Settings()
	selfID := e.rules.SelfAppID()
	routeSelf := e.rules.RouteSelfThroughProxy()

	rs := e.eval.Evaluate(ctx, &conn, firewall.Input{
		Settings:              settings,
		DomainsCSV:            req.DomainsCSV,
		AnyRealIPBlocked:      req.AnyRealIPBlocked,
		IsSpecialProxyApp:     settings.Proxy.IsSpecialProxyApp(uid),
		RouteSelfThroughProxy: routeSelf,
		SelfAppID:             selfID,
	})

	// Hop chains route as configured; hop session status is reporting only.
	app, _ := e.rules.App(uid)

	dec := routing.Route(routing.Request{
		AppID:                 uid,
		SelfAppID:             selfID,
		Ruleset:               rs,
		RouteSelfThroughProxy: routeSelf,
		ExcludedFromProxy:     app.ExcludedFromProxy,
		HopChain:              app.HopChain,
		Proxy:                 settings.Proxy,
	})
	if dec.BlockedByRuleOverride != "" && !rs.Blocked() {
		rs = dec.BlockedByRuleOverride
	}

	v = Verdict{
		Ruleset:     rs,
		Blocked:     rs.Blocked() || dec.MarkBlocked,
		Routing:     dec,
		QueryDomain: conn.QueryDomain,
	}

	e.logger.Debug("connection decided",
		"conn_id", conn.ID,
		"app_id", uid,
		"ruleset", v.Ruleset,
		"blocked", v.Blocked,
		"proxy", dec.ProxyIDString(),
		"reason", dec.Reason,
	)
	return v
}

func (e *Engine) record(rs firewall.Ruleset) {
	e.mu.Lock()
	e.stats[rs]++
	e.mu.Unlock()
}

// RulesetCount is the number of decisions that ended in one ruleset.
type RulesetCount struct {
	Ruleset firewall.Ruleset `json:"ruleset"`
	Blocked bool             `json:"blocked"`
	Count   uint64           `json:"count"`
}

// Stats returns the decision counters sorted by ruleset.
func (e *Engine) Stats() []RulesetCount {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RulesetCount, 0, len(e.stats))
	for rs, n := range e.stats {
		out = append(out, RulesetCount{Ruleset: rs, Blocked: rs.Blocked(), Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ruleset < out[j].Ruleset })
	return out
}
