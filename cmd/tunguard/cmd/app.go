package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunguard/tunguard/internal/ctlapi"
)

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Inspect and modify apps on the running agent",
}

var appShowCmd = &cobra.Command{
	Use:   "show <app-id>",
	Short: "Show the stored state of an app",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppShow,
}

var appSet struct {
	connection string
	firewall   string
	tempAllow  string
	foreground string
	paused     string
}

var appSetCmd = &cobra.Command{
	Use:   "set <app-id>",
	Short: "Change the rules or signals of an app",
	Long: "Change the rules or device signals of an app. Only the flags given are sent.\n" +
		"A --temp-allow of 0 clears a temporary allow.",
	Args: cobra.ExactArgs(1),
	RunE: runAppSet,
}

func init() {
	f := appSetCmd.Flags()
	f.StringVar(&appSet.connection, "connection", "", "networks the app is blocked on: allow, unmetered, metered, both")
	f.StringVar(&appSet.firewall, "firewall", "", "firewall mode: none, exclude, isolate, bypass_universal, bypass_dns_firewall, untracked")
	f.StringVar(&appSet.tempAllow, "temp-allow", "", "allow the app for a duration, e.g. 15m")
	f.StringVar(&appSet.foreground, "foreground", "", "on or off")
	f.StringVar(&appSet.paused, "paused", "", "on or off")

	appCmd.AddCommand(appShowCmd, appSetCmd)
	rootCmd.AddCommand(appCmd)
}

func parseAppID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid app id %q", s)
	}
	return id, nil
}

func runAppShow(cmd *cobra.Command, args []string) error {
	id, err := parseAppID(args[0])
	if err != nil {
		return fmt.Errorf("tunguard app show: %w", err)
	}
	var app ctlapi.AppResponse
	if err := socketGetJSON(cmd.Context(), socketPath, fmt.Sprintf("/v1/apps/%d", id), &app); err != nil {
		return fmt.Errorf("tunguard app show: %w", err)
	}
	printApp(cmd.OutOrStdout(), app)
	return nil
}

func printApp(w io.Writer, a ctlapi.AppResponse) {
	fmt.Fprintf(w, "ID:          %d\n", a.ID)
	if a.Name != "" {
		fmt.Fprintf(w, "Name:        %s\n", a.Name)
	}
	fmt.Fprintf(w, "Firewall:    %s\n", a.Firewall)
	fmt.Fprintf(w, "Connection:  %s\n", a.Connection)
	if a.TempAllowedUntil != nil {
		fmt.Fprintf(w, "Temp allow:  until %s\n", a.TempAllowedUntil.Format(time.RFC3339))
	}
	if a.ExcludedFromProxy {
		fmt.Fprintln(w, "Proxy:       excluded")
	}
	if len(a.HopChain) > 0 {
		fmt.Fprintf(w, "Hop chain:   %s\n", strings.Join(a.HopChain, " -> "))
	}
}

type appUpdate struct {
	path string
	body any
}

// appUpdates turns the set flags into control API requests, in a fixed order.
func appUpdates(id int) ([]appUpdate, error) {
	base := fmt.Sprintf("/v1/apps/%d/", id)
	var out []appUpdate
	if appSet.connection != "" {
		out = append(out, appUpdate{base + "connection", ctlapi.StatusRequest{Status: appSet.connection}})
	}
	if appSet.firewall != "" {
		out = append(out, appUpdate{base + "firewall", ctlapi.StatusRequest{Status: appSet.firewall}})
	}
	if appSet.tempAllow != "" {
		if _, err := time.ParseDuration(appSet.tempAllow); err != nil {
			return nil, fmt.Errorf("invalid --temp-allow %q", appSet.tempAllow)
		}
		out = append(out, appUpdate{base + "temp-allow", ctlapi.TempAllowRequest{Duration: appSet.tempAllow}})
	}
	for _, f := range []struct{ name, val string }{
		{"foreground", appSet.foreground},
		{"paused", appSet.paused},
	} {
		if f.val == "" {
			continue
		}
		v, err := parseOnOff(f.val)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", f.name, err)
		}
		out = append(out, appUpdate{base + f.name, ctlapi.ValueRequest{Value: v}})
	}
	if len(out) == 0 {
		return nil, errors.New("nothing to set")
	}
	return out, nil
}

func runAppSet(cmd *cobra.Command, args []string) error {
	id, err := parseAppID(args[0])
	if err != nil {
		return fmt.Errorf("tunguard app set: %w", err)
	}
	updates, err := appUpdates(id)
	if err != nil {
		return fmt.Errorf("tunguard app set: %w", err)
	}
	for _, u := range updates {
		resp, err := socketDo(cmd.Context(), socketPath, http.MethodPut, u.path, u.body)
		if err != nil {
			return fmt.Errorf("tunguard app set: %w", err)
		}
		resp.Body.Close()
	}
	return nil
}
