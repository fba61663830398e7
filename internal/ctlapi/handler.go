package ctlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/tunguard/tunguard/internal/binding"
	"github.com/tunguard/tunguard/internal/connpolicy"
	"github.com/tunguard/tunguard/internal/devicestate"
	"github.com/tunguard/tunguard/internal/firewall"
	"github.com/tunguard/tunguard/internal/rulestore"
	"github.com/tunguard/tunguard/internal/wireguard"
)

// Decider decides connection attempts.
type Decider interface {
	Decide(ctx context.Context, req connpolicy.Request) connpolicy.Verdict
	Stats() []connpolicy.RulesetCount
}

// RuleEditor is the rule store surface the API reads and modifies.
type RuleEditor interface {
	Snapshot() rulestore.Snapshot
	SetAppConnectionStatus(appID int, cs firewall.AppConnectionStatus) error
	SetAppFirewallStatus(appID int, fs firewall.AppFirewallStatus) error
	SetTempAllowed(appID int, until time.Time) error
}

// Device receives device signals pushed by the platform integration.
type Device interface {
	SetDeviceLocked(locked bool)
	SetLockdown(active bool)
	SetAppForeground(appID int, foreground bool)
	SetAppPaused(appID int, paused bool)
	Snapshot() devicestate.Snapshot
}

// Networks returns the current underlying network snapshot.
type Networks interface {
	Current() *binding.UnderlyingNetworks
}

// Hops reports WireGuard hop probe results.
type Hops interface {
	Statuses() []wireguard.HopStatus
}

// KillSwitch is notified of manual lockdown changes.
type KillSwitch interface {
	SetLockdown(active bool)
	Engaged() bool
}

// Deps are the subsystems served by the API. Networks, Hops and KillSwitch
// may be nil.
type Deps struct {
	Decider    Decider
	Rules      RuleEditor
	Device     Device
	Networks   Networks
	Hops       Hops
	KillSwitch KillSwitch

	// Binder, if set, serves socket handover on the protect socket.
	Binder Binder
}

// Handler provides HTTP handlers for the local control API.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps, logger *slog.Logger) *Handler {
	return &Handler{
		deps:   deps,
		logger: logger.With("component", "ctlapi"),
	}
}

// Mux returns a configured ServeMux with all control API routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/decide", h.handleDecide)
	mux.HandleFunc("GET /v1/state", h.handleGetState)
	mux.HandleFunc("GET /v1/stats", h.handleGetStats)
	mux.HandleFunc("GET /v1/apps/{id}", h.handleGetApp)
	mux.HandleFunc("PUT /v1/device/locked", h.handleDeviceFlag(func(v bool) { h.deps.Device.SetDeviceLocked(v) }))
	mux.HandleFunc("PUT /v1/device/lockdown", h.handleDeviceFlag(h.setLockdown))
	mux.HandleFunc("PUT /v1/apps/{id}/foreground", h.handleAppFlag(func(id int, v bool) { h.deps.Device.SetAppForeground(id, v) }))
	mux.HandleFunc("PUT /v1/apps/{id}/paused", h.handleAppFlag(func(id int, v bool) { h.deps.Device.SetAppPaused(id, v) }))
	mux.HandleFunc("PUT /v1/apps/{id}/connection", h.handleAppConnection)
	mux.HandleFunc("PUT /v1/apps/{id}/firewall", h.handleAppFirewall)
	mux.HandleFunc("PUT /v1/apps/{id}/temp-allow", h.handleTempAllow)
	return mux
}

// DecideRequest is the body of POST /v1/decide.
type DecideRequest struct {
	ConnID string `json:"conn_id"`
	AppID  int    `json:"app_id"`
	// Dst is the destination as "ip:port".
	Dst string `json:"dst"`
	// Protocol is "tcp", "udp" or an IP protocol number.
	Protocol         string `json:"protocol"`
	Domains          string `json:"domains,omitempty"`
	AnyRealIPBlocked bool   `json:"any_real_ip_blocked,omitempty"`
}

// DecideResponse is the response for POST /v1/decide.
type DecideResponse struct {
	Ruleset          string   `json:"ruleset"`
	Blocked          bool     `json:"blocked"`
	ProxyIDs         []string `json:"proxy_ids"`
	Reason           string   `json:"reason"`
	MarkBlocked      bool     `json:"mark_blocked,omitempty"`
	OrbotExcludedApp bool     `json:"orbot_excluded_app,omitempty"`
	QueryDomain      string   `json:"query_domain,omitempty"`
}

// ValueRequest is the body of the boolean device and app endpoints.
type ValueRequest struct {
	Value bool `json:"value"`
}

// StatusRequest is the body of the app connection and firewall endpoints.
type StatusRequest struct {
	Status string `json:"status"`
}

// TempAllowRequest is the body of PUT /v1/apps/{id}/temp-allow. A zero or
// missing duration clears the allowance.
type TempAllowRequest struct {
	Duration string `json:"duration"`
}

// StateResponse is the response for GET /v1/state.
type StateResponse struct {
	SelfAppID             int                       `json:"self_app_id"`
	RouteSelfThroughProxy bool                      `json:"route_self_through_proxy"`
	Settings              firewall.Settings         `json:"settings"`
	Apps                  int                       `json:"apps"`
	DomainRules           int                       `json:"domain_rules"`
	IPRules               int                       `json:"ip_rules"`
	RulesLoadedAt         time.Time                 `json:"rules_loaded_at"`
	Device                devicestate.Snapshot      `json:"device"`
	Networks              *NetworksSummary          `json:"networks,omitempty"`
	Hops                  []wireguard.HopStatus     `json:"hops,omitempty"`
	KillSwitchEngaged     bool                      `json:"kill_switch_engaged"`
	Stats                 []connpolicy.RulesetCount `json:"stats"`
}

// NetworksSummary is the network part of StateResponse.
type NetworksSummary struct {
	IPv4        []string `json:"ipv4"`
	IPv6        []string `json:"ipv6"`
	Active      string   `json:"active,omitempty"`
	UseActive   bool     `json:"use_active"`
	VPNLockdown bool     `json:"vpn_lockdown"`
	DNSServers  int      `json:"dns_servers"`
	MinMTU      int      `json:"min_mtu"`
}

// AppResponse is the response for GET /v1/apps/{id}.
type AppResponse struct {
	ID                int        `json:"id"`
	Name              string     `json:"name,omitempty"`
	Firewall          string     `json:"firewall"`
	Connection        string     `json:"connection"`
	TempAllowedUntil  *time.Time `json:"temp_allowed_until,omitempty"`
	ExcludedFromProxy bool       `json:"excluded_from_proxy"`
	HopChain          []string   `json:"hop_chain,omitempty"`
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creq, err := req.ToRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v := h.deps.Decider.Decide(r.Context(), creq)
	writeJSON(w, http.StatusOK, NewDecideResponse(v))
}

// NewDecideResponse converts a verdict into its wire form.
func NewDecideResponse(v connpolicy.Verdict) DecideResponse {
	return DecideResponse{
		Ruleset:          string(v.Ruleset),
		Blocked:          v.Blocked,
		ProxyIDs:         v.Routing.ProxyIDs,
		Reason:           v.Routing.Reason.String(),
		MarkBlocked:      v.Routing.MarkBlocked,
		OrbotExcludedApp: v.Routing.OrbotExcludedApp,
		QueryDomain:      v.QueryDomain,
	}
}

// ToRequest parses the wire form into a decision request.
func (req DecideRequest) ToRequest() (connpolicy.Request, error) {
	var out connpolicy.Request
	ap, err := netip.ParseAddrPort(req.Dst)
	if err != nil {
		return out, fmt.Errorf("invalid dst %q", req.Dst)
	}
	proto, err := parseProtocol(req.Protocol)
	if err != nil {
		return out, err
	}
	out.Conn = firewall.ConnectionAttempt{
		ID:         req.ConnID,
		OwnerAppID: req.AppID,
		DestIP:     ap.Addr(),
		DestPort:   ap.Port(),
		Protocol:   proto,
		IsTCP:      proto == firewall.ProtoTCP,
	}
	out.DomainsCSV = req.Domains
	out.AnyRealIPBlocked = req.AnyRealIPBlocked
	return out, nil
}

func parseProtocol(s string) (int, error) {
	switch strings.ToLower(s) {
	case "", "tcp":
		return firewall.ProtoTCP, nil
	case "udp":
		return firewall.ProtoUDP, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 255 {
		return 0, fmt.Errorf("invalid protocol %q", s)
	}
	return n, nil
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Rules.Snapshot()
	resp := StateResponse{
		SelfAppID:             snap.SelfAppID,
		RouteSelfThroughProxy: snap.RouteSelfThroughProxy,
		Settings:              snap.Settings,
		Apps:                  len(snap.Apps),
		DomainRules:           len(snap.DomainRules),
		IPRules:               len(snap.IPRules),
		RulesLoadedAt:         snap.LoadedAt,
		Device:                h.deps.Device.Snapshot(),
		Stats:                 h.deps.Decider.Stats(),
	}
	if h.deps.Networks != nil {
		resp.Networks = summarizeNetworks(h.deps.Networks.Current())
	}
	if h.deps.Hops != nil {
		resp.Hops = h.deps.Hops.Statuses()
	}
	if h.deps.KillSwitch != nil {
		resp.KillSwitchEngaged = h.deps.KillSwitch.Engaged()
	}
	writeJSON(w, http.StatusOK, resp)
}

func summarizeNetworks(n *binding.UnderlyingNetworks) *NetworksSummary {
	if n == nil {
		return nil
	}
	s := &NetworksSummary{
		IPv4:        make([]string, 0, len(n.IPv4Nets)),
		IPv6:        make([]string, 0, len(n.IPv6Nets)),
		Active:      n.Active,
		UseActive:   n.UseActive,
		VPNLockdown: n.VPNLockdown,
		DNSServers:  len(n.DNSServerToNetwork),
		MinMTU:      n.MinMTU,
	}
	for _, nw := range n.IPv4Nets {
		s.IPv4 = append(s.IPv4, nw.Name)
	}
	for _, nw := range n.IPv6Nets {
		s.IPv6 = append(s.IPv6, nw.Name)
	}
	return s
}

func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Decider.Stats())
}

func (h *Handler) handleGetApp(w http.ResponseWriter, r *http.Request) {
	id, ok := appID(w, r)
	if !ok {
		return
	}
	for _, a := range h.deps.Rules.Snapshot().Apps {
		if a.ID != id {
			continue
		}
		resp := AppResponse{
			ID:                a.ID,
			Name:              a.Name,
			Firewall:          a.Firewall.String(),
			Connection:        a.Connection.String(),
			ExcludedFromProxy: a.ExcludedFromProxy,
			HopChain:          a.HopChain,
		}
		if !a.TempAllowedUntil.IsZero() {
			until := a.TempAllowedUntil
			resp.TempAllowedUntil = &until
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeError(w, http.StatusNotFound, "not found")
}

func (h *Handler) setLockdown(v bool) {
	h.deps.Device.SetLockdown(v)
	if h.deps.KillSwitch != nil {
		h.deps.KillSwitch.SetLockdown(v)
	}
}

func (h *Handler) handleDeviceFlag(set func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ValueRequest
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		set(req.Value)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleAppFlag(set func(int, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appID(w, r)
		if !ok {
			return
		}
		var req ValueRequest
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		set(id, req.Value)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleAppConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := appID(w, r)
	if !ok {
		return
	}
	var req StatusRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cs, err := firewall.ParseAppConnectionStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeStoreResult(w, id, "connection", h.deps.Rules.SetAppConnectionStatus(id, cs))
}

func (h *Handler) handleAppFirewall(w http.ResponseWriter, r *http.Request) {
	id, ok := appID(w, r)
	if !ok {
		return
	}
	var req StatusRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	fs, err := firewall.ParseAppFirewallStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeStoreResult(w, id, "firewall", h.deps.Rules.SetAppFirewallStatus(id, fs))
}

func (h *Handler) handleTempAllow(w http.ResponseWriter, r *http.Request) {
	id, ok := appID(w, r)
	if !ok {
		return
	}
	var req TempAllowRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var until time.Time
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		if d > 0 {
			until = time.Now().Add(d)
		}
	}
	h.writeStoreResult(w, id, "temp_allow", h.deps.Rules.SetTempAllowed(id, until))
}

func (h *Handler) writeStoreResult(w http.ResponseWriter, id int, field string, err error) {
	switch {
	case err == nil:
		h.logger.Info("app updated", "app_id", id, "field", field)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, rulestore.ErrUnknownApp):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, rulestore.ErrNotLoaded):
		writeError(w, http.StatusServiceUnavailable, "rules not loaded")
	default:
		h.logger.Error("app update failed", "app_id", id, "field", field, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func appID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || !firewall.ValidAppID(id) {
		writeError(w, http.StatusBadRequest, "invalid app id")
		return 0, false
	}
	return id, true
}

// maxBodyBytes bounds the JSON request bodies accepted by the control API.
const maxBodyBytes = 64 << 10

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
